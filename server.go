package gotftp

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// FileHandler is the filesystem boundary the core engine calls into. It
// knows nothing about TFTP; it just opens files for a given peer and
// filename. Implementations decide path composition, traversal
// rejection, and access control (spec's "out of scope" filesystem path
// composition).
//
// Grounded on eahydra-gotftp/server.go's FileHandler interface
// (ReadFile/WriteFile/IsFileExist), generalized to distinguish the
// remote peer's net.Addr rather than a bare string.
type FileHandler interface {
	ReadFile(peer net.Addr, filename string) (io.ReadCloser, error)
	WriteFile(peer net.Addr, filename string) (io.WriteCloser, error)

	// Commit finalizes a WRQ transfer that completed successfully
	// (e.g. renaming a temp file into place). Called after the
	// session's writer has been closed.
	Commit(peer net.Addr, filename string) error

	// Remove deletes a partial file left behind by a WRQ transfer that
	// ended without completing (peer ERROR, local write error, an illegal
	// packet from the peer, or retry exhaustion). Called with the same peer/filename WriteFile was
	// called with.
	Remove(peer net.Addr, filename string) error
}

// Server demultiplexes inbound RRQ/WRQ datagrams into independent
// per-session goroutines, each owning a freshly allocated ephemeral UDP
// endpoint (its half of the TID), per spec section 4.3/4.4 and design
// note 9.
type Server struct {
	conn    *net.UDPConn
	handler FileHandler
	table   *sessionTable

	closeOnce chan struct{}
}

// NewServer binds the well-known listening socket at addr (e.g.
// ":6969") and returns a Server ready to Run.
func NewServer(addr string, handler FileHandler) (*Server, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "tftp: resolve listen address")
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "tftp: listen")
	}
	return &Server{
		conn:      conn,
		handler:   handler,
		table:     newSessionTable(),
		closeOnce: make(chan struct{}),
	}, nil
}

// Close stops accepting new requests and tears down every in-flight
// session.
func (s *Server) Close() error {
	select {
	case <-s.closeOnce:
		return nil
	default:
		close(s.closeOnce)
	}
	s.table.mu.Lock()
	peers := make([]net.Addr, 0, len(s.table.sessions))
	for _, ss := range s.table.sessions {
		peers = append(peers, ss.peer)
	}
	s.table.mu.Unlock()
	for _, peer := range peers {
		s.table.close(peer)
	}
	return s.conn.Close()
}

// Run accepts datagrams on the well-known socket until Close is called.
// New (peer, request) pairs get their own goroutine and ephemeral
// socket; subsequent datagrams for a known peer are routed to that
// session's inbox.
func (s *Server) Run() error {
	go s.sweepLoop()

	buf := make([]byte, MaxPacketSize+64)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closeOnce:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "tftp: accept")
		}

		pkt, err := Decode(buf[:n])
		if err != nil {
			if isRequestDatagram(buf[:n]) {
				Log.Warn().Err(err).Str("peer", addr.String()).Msg("rejecting malformed request")
				s.sendWellKnown(addr, &Error{Code: ErrUndefined, Message: err.Error()})
				continue
			}
			Log.Warn().Err(err).Str("peer", addr.String()).Msg("dropping undecodable datagram")
			continue
		}

		if existing, ok := s.table.find(addr); ok {
			select {
			case existing.inbox <- pkt:
			default:
				Log.Warn().Str("peer", addr.String()).Msg("session inbox full, dropping datagram")
			}
			continue
		}

		switch req := pkt.(type) {
		case *ReadReq:
			s.accept(addr, req.Filename, req)
		case *WriteReq:
			s.accept(addr, req.Filename, req)
		default:
			s.sendWellKnown(addr, &Error{Code: ErrUnknownTID, Message: "unknown transfer ID"})
		}
	}
}

// accept creates a new per-session ephemeral socket and goroutine for a
// fresh RRQ/WRQ, or replies ERROR(3) if the table is full.
func (s *Server) accept(addr *net.UDPAddr, filename string, req Packet) {
	sessConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		Log.Error().Err(err).Msg("tftp: allocate session endpoint")
		s.sendWellKnown(addr, &Error{Code: ErrUndefined, Message: "server error"})
		return
	}

	var sess *session
	switch r := req.(type) {
	case *ReadReq:
		f, ferr := s.handler.ReadFile(addr, r.Filename)
		if ferr != nil {
			s.sendFrom(sessConn, addr, &Error{Code: ErrNotFound, Message: ferr.Error()})
			sessConn.Close()
			return
		}
		sess, err = newReaderSession(addr, filename, f)
		if err != nil {
			s.sendFrom(sessConn, addr, &Error{Code: ErrUndefined, Message: err.Error()})
			f.Close()
			sessConn.Close()
			return
		}
	case *WriteReq:
		f, ferr := s.handler.WriteFile(addr, r.Filename)
		if ferr != nil {
			s.sendFrom(sessConn, addr, &Error{Code: ErrAccessViolation, Message: ferr.Error()})
			sessConn.Close()
			return
		}
		sess = newWriterSession(addr, filename, f)
	}

	ss := &serverSession{
		session: sess,
		conn:    sessConn,
		inbox:   make(chan Packet, 8),
		done:    make(chan struct{}),
	}
	if !s.table.tryCreate(addr, ss) {
		ss.shutdown()
		s.sendWellKnown(addr, &Error{Code: ErrDiskFull, Message: "too many sessions"})
		return
	}

	Log.Info().Str("peer", addr.String()).Str("filename", filename).
		Str("local", sessConn.LocalAddr().String()).Msg("session accepted")

	go s.driveSession(ss)

	// Send the initial DATA(1) or ACK(0) from the session's own socket;
	// this is the reply the client must latch its TID onto.
	s.sendFrom(sessConn, addr, ss.outbound)
}

// driveSession owns ss from acceptance to teardown: it reads from the
// session's ephemeral socket and its inbox channel, applies the state
// machine, and retransmits on timeout.
func (s *Server) driveSession(ss *serverSession) {
	timer := time.NewTimer(RetryInterval)
	defer timer.Stop()

	recvCh := make(chan Packet, 1)
	recvErr := make(chan error, 1)
	go func() {
		buf := make([]byte, MaxPacketSize+64)
		for {
			n, raddr, err := ss.conn.ReadFromUDP(buf)
			if err != nil {
				recvErr <- err
				return
			}
			if raddr.String() != ss.peer.String() {
				s.sendFrom(ss.conn, raddr, &Error{Code: ErrUnknownTID, Message: "unknown transfer ID"})
				continue
			}
			pkt, err := Decode(buf[:n])
			if err != nil {
				continue
			}
			recvCh <- pkt
		}
	}()

	for {
		select {
		case <-ss.done:
			return
		case pkt := <-ss.inbox:
			s.step(ss, ss.onPacket(pkt), timer)
		case pkt := <-recvCh:
			s.step(ss, ss.onPacket(pkt), timer)
		case <-recvErr:
			return
		case <-timer.C:
			s.step(ss, ss.onTimeout(), timer)
		}
		if ss.terminated {
			s.finish(ss)
			return
		}
	}
}

func (s *Server) step(ss *serverSession, r result, timer *time.Timer) {
	if r.send == nil && !r.terminate {
		// Stale or out-of-order packet: the pending retransmit timer
		// keeps running.
		return
	}
	if r.send != nil {
		s.sendFrom(ss.conn, ss.peer, r.send)
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if !r.terminate {
		timer.Reset(RetryInterval)
	}
}

func (s *Server) finish(ss *serverSession) {
	elapsed := time.Since(ss.startedAt)
	// Close the session (and its file handle) before committing or
	// discarding it, so the writer has flushed before we act on it.
	s.table.close(ss.peer)

	if ss.role == roleWriter {
		if ss.failed {
			Log.Warn().Str("peer", ss.peer.String()).Str("filename", ss.filename).
				Msg("transfer failed, removing partial file")
			if err := s.handler.Remove(ss.peer, ss.filename); err != nil {
				Log.Error().Err(err).Str("filename", ss.filename).Msg("tftp: remove partial file")
			}
			return
		}
		if err := s.handler.Commit(ss.peer, ss.filename); err != nil {
			Log.Error().Err(err).Str("filename", ss.filename).Msg("tftp: commit uploaded file")
			return
		}
	}
	Log.Info().Str("peer", ss.peer.String()).Str("filename", ss.filename).
		Int64("bytes", ss.bytesTransferred).Dur("elapsed", elapsed).Msg("transfer complete")
	Log.Debug().Str("peer", ss.peer.String()).Str("filename", ss.filename).
		Str("md5", ss.checksum()).Msg("transfer digest")
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeOnce:
			return
		case now := <-ticker.C:
			s.table.sweep(now)
		}
	}
}

func (s *Server) sendWellKnown(addr net.Addr, pkt Packet) {
	s.sendFrom(s.conn, addr, pkt)
}

// isRequestDatagram reports whether buf's opcode is RRQ or WRQ, without
// requiring the rest of the datagram to decode cleanly. Used to decide
// whether a malformed request (e.g. an unsupported mode) still deserves
// an ERROR(0) reply per spec.md section 3, rather than being silently
// dropped like noise on the well-known port.
func isRequestDatagram(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	op := OpCode(uint16(buf[0])<<8 | uint16(buf[1]))
	return op == OpRRQ || op == OpWRQ
}

func (s *Server) sendFrom(conn *net.UDPConn, addr net.Addr, pkt Packet) {
	var buf [MaxPacketSize]byte
	n, err := Encode(pkt, buf[:])
	if err != nil {
		Log.Error().Err(err).Msg("tftp: encode outbound packet")
		return
	}
	if _, err := conn.WriteTo(buf[:n], addr); err != nil {
		Log.Warn().Err(err).Str("peer", addr.String()).Msg("tftp: send")
	}
}
