package gotftp

import (
	"net"
	"sync"
	"time"
)

// MaxSessions bounds how many concurrent transfers the server tracks at
// once. A request arriving when the table is full is answered with
// ERROR(3) on the well-known socket and otherwise dropped.
var MaxSessions = 10

// serverSession pairs a session state machine with the ephemeral
// per-transfer UDP endpoint the server allocated for it (its half of the
// TID) and the goroutine plumbing used to serialize packets into it.
type serverSession struct {
	*session
	conn  *net.UDPConn
	inbox chan Packet
	done  chan struct{}
}

// sessionTable demultiplexes inbound datagrams by peer TID to a
// serverSession, and owns the per-session ephemeral sockets.
//
// Grounded on the teacher's Server.peerMap + removeClientPeer sweep
// goroutine (eahydra-gotftp/server.go), generalized from a single
// well-known-port reply path to per-session ephemeral sockets as
// design note 9 requires.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*serverSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*serverSession)}
}

// find returns the existing session for peer, if any.
func (t *sessionTable) find(peer net.Addr) (*serverSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[peer.String()]
	return s, ok
}

// tryCreate installs sess under peer's TID if the table has room and no
// session already exists for that peer. ok is false on capacity
// exhaustion or a racing duplicate create.
func (t *sessionTable) tryCreate(peer net.Addr, sess *serverSession) (ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[peer.String()]; exists {
		return false
	}
	if len(t.sessions) >= MaxSessions {
		return false
	}
	t.sessions[peer.String()] = sess
	return true
}

// close removes peer's session from the table and releases its
// resources. Safe to call more than once.
func (t *sessionTable) close(peer net.Addr) {
	t.mu.Lock()
	sess, ok := t.sessions[peer.String()]
	if ok {
		delete(t.sessions, peer.String())
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	sess.shutdown()
}

func (s *serverSession) shutdown() {
	select {
	case <-s.done:
		// already shut down
	default:
		close(s.done)
		s.conn.Close()
		if s.reader != nil {
			s.reader.Close()
		}
		if s.writer != nil {
			s.writer.Close()
		}
	}
}

// sweep closes every session whose last activity is older than
// IdleTimeout, as observed at now.
func (t *sessionTable) sweep(now time.Time) {
	t.mu.Lock()
	var stale []*serverSession
	for peer, sess := range t.sessions {
		if now.Sub(sess.lastActivity) > IdleTimeout {
			stale = append(stale, sess)
			delete(t.sessions, peer)
		}
	}
	t.mu.Unlock()

	for _, sess := range stale {
		Log.Info().Str("peer", sess.peer.String()).Str("filename", sess.filename).
			Msg("session idle timeout, evicting")
		sess.shutdown()
	}
}

// len reports how many sessions are currently tracked.
func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
