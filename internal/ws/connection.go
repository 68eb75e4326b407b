package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated WebSocket push session. Every connection
// belongs to exactly one identity; an identity may hold several connections
// (multiple tabs or devices) at once.
type Connection struct {
	SessionID  string       // unique per connection (UUID)
	Identity   string       // authenticated owner of the session
	Conn       net.Conn     // underlying TCP connection
	Fd         int          // file descriptor for epoll lookups
	CreatedAt  time.Time    // when the connection was established
	lastActive atomic.Int64 // unix nanos of the last frame from the client
	writeMu    sync.Mutex   // serializes writes to this connection
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn
}

// Touch records client activity now. Read workers call it on every incoming
// frame, concurrently with the heartbeat goroutine's LastSeen reads.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastSeen returns when the client last produced a frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live push sessions with O(1)
// lookups by session ID and file descriptor, plus a per-identity index for
// local fan-out.
type ConnectionManager struct {
	mu         sync.RWMutex
	bySession  map[string]*Connection            // session_id -> Connection
	byFd       map[int]*Connection               // fd -> Connection
	byIdentity map[string]map[string]*Connection // identity -> session_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		bySession:  make(map[string]*Connection),
		byFd:       make(map[int]*Connection),
		byIdentity: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in all lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.bySession[conn.SessionID] = conn
	cm.byFd[conn.Fd] = conn
	if cm.byIdentity[conn.Identity] == nil {
		cm.byIdentity[conn.Identity] = make(map[string]*Connection)
	}
	cm.byIdentity[conn.Identity][conn.SessionID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID, closes the underlying network
// connection, and removes it from all lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(sessionID string) bool {
	cm.mu.Lock()
	conn, ok := cm.bySession[sessionID]
	if ok {
		delete(cm.bySession, sessionID)
		delete(cm.byFd, conn.Fd)
		if sessions := cm.byIdentity[conn.Identity]; sessions != nil {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(cm.byIdentity, conn.Identity)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(sessionID string) *Connection {
	cm.mu.RLock()
	conn := cm.bySession[sessionID]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// ForIdentity returns a snapshot of the identity's live connections on this
// instance. The returned slice is safe to iterate without holding the lock.
func (cm *ConnectionManager) ForIdentity(identity string) []*Connection {
	cm.mu.RLock()
	sessions := cm.byIdentity[identity]
	conns := make([]*Connection, 0, len(sessions))
	for _, conn := range sessions {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.bySession)
	cm.mu.RUnlock()
	return n
}

// Broadcast sends a message to all connected clients. Errors on individual
// connections are silently ignored — failed connections will be cleaned up
// by the epoll event loop when the next read fails.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	for _, conn := range cm.All() {
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.bySession))
	for _, conn := range cm.bySession {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
