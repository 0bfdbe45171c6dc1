package chatrouter

import (
	"net"
	"strings"
	"sync"
	"time"
)

// Session wraps one accepted Chat Router connection. It satisfies
// registry.Sender so the registry can fan out to it without importing net.
type Session struct {
	conn     net.Conn
	username string
	isSystem bool

	writeMu sync.Mutex
}

func newSession(conn net.Conn, username string, isSystem bool) *Session {
	return &Session{conn: conn, username: username, isSystem: isSystem}
}

// Send writes a single already-newline-terminated frame, serialized against
// concurrent writers (fan-out and this connection's own echoes can race).
func (s *Session) Send(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := s.conn.Write(line)
	return err
}

func (s *Session) Username() string { return s.username }
func (s *Session) IsSystem() bool   { return s.isSystem }

// isSystemName reports whether a name matches the legacy system-identity
// sentinel: first and last characters are underscores. The handshake checks
// it once and routes a matching connection to the restricted one-shot
// system-identity path, which never creates or registers a Session; every
// registered Session is created with isSystem false.
func isSystemName(name string) bool {
	return len(name) >= 2 && strings.HasPrefix(name, "_") && strings.HasSuffix(name, "_")
}
