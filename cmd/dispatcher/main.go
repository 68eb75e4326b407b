package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edulink/realtime/internal/auth"
	"github.com/edulink/realtime/internal/conversation"
	"github.com/edulink/realtime/internal/dispatch"
	"github.com/edulink/realtime/internal/event"
	"github.com/edulink/realtime/internal/httpapi"
	"github.com/edulink/realtime/internal/messaging"
	"github.com/edulink/realtime/internal/metrics"
	"github.com/edulink/realtime/internal/presence"
	"github.com/edulink/realtime/internal/protocol"
	"github.com/edulink/realtime/internal/queue"
	"github.com/edulink/realtime/internal/ratelimit"
	"github.com/edulink/realtime/internal/receipt"
	"github.com/edulink/realtime/internal/store"
	"github.com/edulink/realtime/internal/typing"
	"github.com/edulink/realtime/internal/ws"
)

func main() {
	wsConfig := ws.DefaultServerConfig()

	if addr := os.Getenv("WS_LISTEN_ADDR"); addr != "" {
		wsConfig.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wsConfig.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wsConfig.WriteTimeout = d
		}
	}

	httpAddr := ":8081"
	if v := os.Getenv("HTTP_LISTEN_ADDR"); v != "" {
		httpAddr = v
	}

	authSecret := os.Getenv("AUTH_SECRET")
	if authSecret == "" {
		log.Fatal("AUTH_SECRET is required")
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to Redis at %s: %v", redisAddr, err)
	}

	// --- Postgres ---
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := store.Open(dsn)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	queues := queue.NewStore(rdb)
	presenceStore := presence.NewStore(rdb)
	typingStore := typing.NewStore(rdb)
	receipts := receipt.NewTracker(db.DB())
	conversations := conversation.NewStore(db.DB())
	limiter := ratelimit.NewLimiter(rdb)
	resolver := auth.NewResolver(authSecret)

	core := dispatch.New(dispatch.DefaultConfig(),
		queues, presenceStore, typingStore, receipts, conversations, db, natsClient)

	log.Printf("realtime dispatcher starting")
	log.Printf("  ws_listen_addr:   %s", wsConfig.ListenAddr)
	log.Printf("  http_listen_addr: %s", httpAddr)
	log.Printf("  worker_pool:      %d", wsConfig.WorkerPoolSize)
	log.Printf("  max_connections:  %d", wsConfig.MaxConnections)
	log.Printf("  nats_url:         %s", natsConfig.URL)
	log.Printf("  redis_addr:       %s", redisAddr)

	// Declare server early so closures can capture it.
	var server *ws.Server

	// forwardEvent turns a pushed event into the matching protocol frame and
	// writes it to one local session.
	forwardEvent := func(sessionID string, ev event.Event) {
		payload, err := event.DecodePayload(ev)
		if err != nil {
			log.Printf("[push] decode payload session=%s: %v", sessionID, err)
			return
		}

		var frame []byte
		switch p := payload.(type) {
		case event.MessagePayload:
			frame, _ = protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerMessageMsg{
				EventID:        ev.ID,
				MessageID:      p.MessageID,
				ConversationID: p.ConversationID,
				Sender:         p.Sender,
				Text:           p.Text,
				Ts:             p.Ts,
			})
		case event.TypingPayload:
			frame, _ = protocol.NewServerMessage(protocol.TypeServerTyping, protocol.ServerTypingMsg{
				Sender:   p.Sender,
				IsTyping: p.IsTyping,
			})
		case event.ReadReceiptPayload:
			frame, _ = protocol.NewServerMessage(protocol.TypeReadReceipt, protocol.ReadReceiptMsg{
				Reader:         p.Reader,
				MessageIDs:     p.MessageIDs,
				ConversationID: p.ConversationID,
			})
		case event.DeliveryReceiptPayload:
			frame, _ = protocol.NewServerMessage(protocol.TypeDeliveryReceipt, protocol.DeliveryReceiptMsg{
				MessageID:   p.MessageID,
				Recipient:   p.Recipient,
				DeliveredAt: p.DeliveredAt,
			})
		case event.NoticePayload:
			frame, _ = protocol.NewServerMessage(protocol.TypeNotice, protocol.NoticeMsg{
				Sender: p.Sender,
				Title:  p.Title,
				Body:   p.Body,
				Ts:     p.Ts,
			})
		default:
			return
		}
		if frame == nil {
			return
		}
		if err := server.SendToSession(sessionID, frame); err != nil {
			log.Printf("[push] send session=%s failed: %v", sessionID, err)
		}
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// Application-level pings refresh the session's presence liveness.
	dispatcher.SetOnPing(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := core.Heartbeat(ctx, conn.Identity, conn.SessionID); err != nil {
			log.Printf("[ws] heartbeat identity=%s session=%s: %v", conn.Identity, conn.SessionID, err)
		}
	})

	// -----------------------------------------------------------------------
	// send_message — durable message to another identity
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		if sendMsg.Recipient == "" || sendMsg.Text == "" {
			errResp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_message", Message: "recipient and text are required",
			})
			conn.WriteMessage(errResp)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		allowed, _ := limiter.Allow(ctx, conn.Identity, ratelimit.RulePublish)
		if !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RulePublish.Window.Seconds()),
			})
			conn.WriteMessage(resp)
			return
		}

		if _, err := core.SendMessage(ctx, conn.Identity, sendMsg.Recipient, sendMsg.Text); err != nil {
			log.Printf("[ws] send_message identity=%s: %v", conn.Identity, err)
			errResp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "send_failed", Message: "could not deliver message",
			})
			conn.WriteMessage(errResp)
		}
	})

	// -----------------------------------------------------------------------
	// typing — start/stop typing indicator
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok || typingMsg.Recipient == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		var err error
		if typingMsg.IsTyping {
			err = core.StartTyping(ctx, conn.Identity, typingMsg.Recipient)
		} else {
			err = core.StopTyping(ctx, conn.Identity, typingMsg.Recipient)
		}
		if err != nil {
			log.Printf("[ws] typing identity=%s: %v", conn.Identity, err)
		}
	})

	// -----------------------------------------------------------------------
	// mark_read — read receipts by ids, conversation, or sender
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		readMsg, ok := msg.(protocol.MarkReadMsg)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		target := receipt.ReadTarget{
			MessageIDs:     readMsg.MessageIDs,
			ConversationID: readMsg.ConversationID,
			SenderID:       readMsg.Sender,
		}
		if err := core.MarkRead(ctx, conn.Identity, target); err != nil {
			log.Printf("[ws] mark_read identity=%s: %v", conn.Identity, err)
			errResp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "mark_read_failed", Message: "could not record read receipts",
			})
			conn.WriteMessage(errResp)
		}
	})

	// -----------------------------------------------------------------------
	// delivered — delivery acknowledgement for a pushed message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeDelivered, func(conn *ws.Connection, msg interface{}) {
		delMsg, ok := msg.(protocol.DeliveredMsg)
		if !ok || delMsg.MessageID == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := core.MarkDelivered(ctx, delMsg.MessageID); err != nil {
			log.Printf("[ws] delivered identity=%s message=%s: %v", conn.Identity, delMsg.MessageID, err)
		}
	})

	server = ws.NewServer(wsConfig, resolver.ResolveIdentity, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// On open: register the push session, subscribe this session to its
	// identity's event subject, drain the queued backlog into the socket,
	// and ack with the unread/online summary.
	server.SetOnOpen(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := core.OpenPushSession(ctx, conn.Identity, conn.SessionID); err != nil {
			log.Printf("[ws] open session identity=%s: %v", conn.Identity, err)
		}

		if err := natsClient.SubscribeEvents(conn.Identity, conn.SessionID, func(data []byte) {
			ev, err := event.Decode(data)
			if err != nil {
				log.Printf("[push] decode event session=%s: %v", conn.SessionID, err)
				return
			}
			forwardEvent(conn.SessionID, ev)
		}); err != nil {
			log.Printf("[ws] subscribe events identity=%s session=%s: %v", conn.Identity, conn.SessionID, err)
		}

		summary, err := core.UnreadSummary(ctx, conn.Identity)
		if err != nil {
			log.Printf("[ws] unread summary identity=%s: %v", conn.Identity, err)
			summary = &conversation.Summary{PerConversation: map[string]int{}}
		}
		online, err := core.OnlineUsers(ctx)
		if err != nil {
			log.Printf("[ws] online summary identity=%s: %v", conn.Identity, err)
		}

		ack, err := protocol.NewServerMessage(protocol.TypeHelloAck, protocol.HelloAckMsg{
			SessionID:   conn.SessionID,
			UnreadTotal: summary.Total,
			Unread:      summary.PerConversation,
			OnlineCount: len(online),
		})
		if err == nil {
			if err := conn.WriteMessage(ack); err != nil {
				log.Printf("[ws] hello_ack session=%s: %v", conn.SessionID, err)
			}
		}

		// Deliver any events queued while the identity had no live session.
		backlog, err := core.PollOnce(ctx, conn.Identity, time.Millisecond, time.Millisecond)
		if err != nil {
			log.Printf("[ws] backlog drain identity=%s: %v", conn.Identity, err)
			return
		}
		for _, ev := range backlog {
			forwardEvent(conn.SessionID, ev)
		}
	})

	server.SetOnClose(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := natsClient.UnsubscribeEvents(conn.SessionID); err != nil {
			log.Printf("[ws] unsubscribe session=%s: %v", conn.SessionID, err)
		}
		if err := core.ClosePushSession(ctx, conn.Identity, conn.SessionID); err != nil {
			log.Printf("[ws] close session identity=%s: %v", conn.Identity, err)
		}
	})

	// Relay presence broadcasts to all local push sessions.
	if err := natsClient.SubscribePresence(func(data []byte) {
		var change dispatch.PresenceChange
		if err := json.Unmarshal(data, &change); err != nil {
			return
		}
		frame, err := protocol.NewServerMessage(protocol.TypePresence, protocol.PresenceMsg{
			Identity: change.Identity,
			Online:   change.Online,
			Ts:       change.Ts,
		})
		if err != nil {
			return
		}
		server.Connections().Broadcast(frame)
	}); err != nil {
		log.Printf("subscribe presence: %v", err)
	}

	// --- HTTP API (pull face + commands + metrics) ---
	apiHandler := httpapi.NewHandler(core, resolver.ResolveIdentity, limiter)
	mux := apiHandler.Routes()
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:    httpAddr,
		Handler: mux,
		// Poll handlers block up to MaxPollTimeout; leave slack above it.
		WriteTimeout: httpapi.MaxPollTimeout + 10*time.Second,
		ReadTimeout:  10 * time.Second,
	}

	go func() {
		log.Printf("http: api listening on %s", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("ws shutdown error: %v", err)
		}
		natsClient.Close()
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
