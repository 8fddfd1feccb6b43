package gotftp

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// MaxRetries is the number of retransmissions attempted before a session
// gives up on an unacknowledged block. A binary's flags may lower or
// raise this before calling into the package.
var MaxRetries = 5

// RetryInterval is how long a session waits for a reply before
// retransmitting its last outbound packet.
var RetryInterval = 3 * time.Second

// IdleTimeout is how long a session may go without any activity before
// the session table sweeps it away.
var IdleTimeout = 5 * time.Second

// role distinguishes which half of a transfer a session drives.
type role int

const (
	roleReader role = iota // sends file content, served an RRQ
	roleWriter             // receives file content, served a WRQ
)

// fileReader is the minimal surface a Reader session needs from local
// storage; *os.File satisfies it.
type fileReader interface {
	io.Reader
	io.Closer
}

// fileWriter is the minimal surface a Writer session needs from local
// storage; *os.File satisfies it.
type fileWriter interface {
	io.Writer
	io.Closer
}

// session is one in-flight RRQ/WRQ transfer, driven either by the server
// (on behalf of a remote client) or by the client (on behalf of a local
// put/get). Exactly one goroutine touches a given session: callers
// serialize access by routing all packets for a TID through that
// session's dispatch channel.
type session struct {
	peer net.Addr
	role role

	reader fileReader
	writer fileWriter

	currentBlock uint16
	lastDataLen  int
	retries      int
	lastActivity time.Time
	terminated   bool

	// failed is set on a peer ERROR in either role and, for a Writer, also
	// on a local write error, an illegal packet from the peer, or retry
	// exhaustion mid-transfer. A Writer's caller uses it to delete the
	// partial file rather than keep it.
	failed bool

	bytesTransferred int64
	filename         string
	startedAt        time.Time

	// digest accumulates an MD5 sum of the transferred content, for
	// operator-visible verification at Debug log level. Not part of the
	// wire protocol.
	digest hash.Hash

	// pendingPayload is the most recently read block of file content for
	// a Reader session, staged by readNextBlock before it is wrapped in
	// a Data packet.
	pendingPayload []byte

	// outbound is the last DATA or ACK sent, retained verbatim for
	// retransmission on timeout.
	outbound Packet
}

// newReaderSession begins serving an RRQ: read the first block and
// prepare the initial DATA(1) for the caller to send.
func newReaderSession(peer net.Addr, filename string, r fileReader) (*session, error) {
	s := &session{
		peer:         peer,
		role:         roleReader,
		reader:       r,
		currentBlock: 1,
		filename:     filename,
		startedAt:    time.Now(),
		lastActivity: time.Now(),
		digest:       md5.New(),
	}
	if err := s.readNextBlock(); err != nil {
		return nil, err
	}
	s.bytesTransferred = int64(len(s.pendingPayload))
	s.outbound = &Data{Block: s.currentBlock, Payload: s.pendingPayload}
	return s, nil
}

// readNextBlock reads up to MaxBlockPayload bytes into s.pendingPayload.
func (s *session) readNextBlock() error {
	buf := make([]byte, MaxBlockPayload)
	n, err := io.ReadFull(s.reader, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return errors.Wrap(err, "tftp: read file")
	}
	s.pendingPayload = buf[:n]
	s.lastDataLen = n
	s.digest.Write(s.pendingPayload)
	return nil
}

// checksum returns the hex MD5 digest of the content transferred so far.
func (s *session) checksum() string {
	return hex.EncodeToString(s.digest.Sum(nil))
}

// newWriterSession begins serving a WRQ: prepare ACK(0) for the caller
// to send.
func newWriterSession(peer net.Addr, filename string, w fileWriter) *session {
	s := &session{
		peer:         peer,
		role:         roleWriter,
		writer:       w,
		currentBlock: 0,
		filename:     filename,
		startedAt:    time.Now(),
		lastActivity: time.Now(),
		digest:       md5.New(),
	}
	s.outbound = &Ack{Block: 0}
	return s
}

// result reports what the caller should do after handling one inbound
// packet or timer tick.
type result struct {
	send      Packet // non-nil: send this packet to s.peer
	terminate bool   // session is over; tear it down after sending (if any)
}

// onPacket advances the session state machine on receipt of pkt. The
// caller is responsible for verifying pkt came from s.peer (TID check).
func (s *session) onPacket(pkt Packet) result {
	s.lastActivity = time.Now()
	switch s.role {
	case roleReader:
		return s.readerOnPacket(pkt)
	default:
		return s.writerOnPacket(pkt)
	}
}

func (s *session) readerOnPacket(pkt Packet) result {
	switch p := pkt.(type) {
	case *Ack:
		switch {
		case p.Block == s.currentBlock:
			if s.lastDataLen < MaxBlockPayload {
				s.terminated = true
				return result{terminate: true}
			}
			s.currentBlock++
			if err := s.readNextBlock(); err != nil {
				s.terminated = true
				msg := err.Error()
				return result{send: &Error{Code: ErrUndefined, Message: msg}, terminate: true}
			}
			s.retries = 0
			data := &Data{Block: s.currentBlock, Payload: s.pendingPayload}
			s.outbound = data
			s.bytesTransferred += int64(len(s.pendingPayload))
			return result{send: data}
		case wrapLess(p.Block, s.currentBlock):
			// Stale ACK: ignore. Resending here is the sorcerer's
			// apprentice bug.
			return result{}
		default:
			s.terminated = true
			return result{send: &Error{Code: ErrIllegalOp, Message: "Illegal TFTP operation"}, terminate: true}
		}
	case *Error:
		s.terminated = true
		s.failed = true
		return result{terminate: true}
	default:
		s.terminated = true
		return result{send: &Error{Code: ErrIllegalOp, Message: "Illegal TFTP operation"}, terminate: true}
	}
}

func (s *session) writerOnPacket(pkt Packet) result {
	switch p := pkt.(type) {
	case *Data:
		expected := s.currentBlock + 1
		switch {
		case p.Block == expected:
			if _, err := s.writer.Write(p.Payload); err != nil {
				s.terminated = true
				s.failed = true
				return result{send: &Error{Code: ErrDiskFull, Message: err.Error()}, terminate: true}
			}
			s.currentBlock = p.Block
			s.bytesTransferred += int64(len(p.Payload))
			s.digest.Write(p.Payload)
			ack := &Ack{Block: p.Block}
			s.outbound = ack
			s.retries = 0
			if len(p.Payload) < MaxBlockPayload {
				s.terminated = true
				return result{send: ack, terminate: true}
			}
			return result{send: ack}
		case p.Block == s.currentBlock:
			// Retransmitted DATA we've already written; re-ACK without
			// writing again.
			return result{send: s.outbound}
		default:
			// Out-of-order: never write it, never ACK it.
			return result{}
		}
	case *Error:
		s.terminated = true
		s.failed = true
		return result{terminate: true}
	default:
		s.terminated = true
		s.failed = true
		return result{send: &Error{Code: ErrIllegalOp, Message: "Illegal TFTP operation"}, terminate: true}
	}
}

// onTimeout is called when RetryInterval elapses with no qualifying
// packet received. It returns the packet to retransmit, or signals that
// retries are exhausted and the session should be torn down.
func (s *session) onTimeout() result {
	if s.retries >= MaxRetries {
		s.terminated = true
		if s.role == roleWriter {
			s.failed = true
		}
		return result{terminate: true}
	}
	s.retries++
	return result{send: s.outbound}
}

// wrapLess reports whether a comes strictly before b in 16-bit wrapping
// block-number space: b is reached from a by stepping forward less than
// half the 16-bit range. After the counter wraps from 65535 to 0, a stale
// ACK(65535) therefore still counts as before block 0.
func wrapLess(a, b uint16) bool {
	return a != b && b-a < 0x8000
}
