package gotftp

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Client drives one RRQ or WRQ transfer at a time against a fixed
// server address, reusing the session state machine that also backs
// the server. Grounded on eahydra-gotftp/client.go's Get/Put shape,
// generalized per wjholden-GoTFTPd/internal/client.go's two-phase
// dial: the client never trusts the well-known port past the initial
// request, and instead pins to whatever source port the first reply
// actually comes from.
type Client struct {
	serverAddr *net.UDPAddr
	conn       *net.UDPConn
}

// NewClient resolves addr (the server's well-known "host:port") and
// opens the client's own ephemeral socket.
func NewClient(addr string) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "tftp: resolve server address")
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, errors.Wrap(err, "tftp: open client socket")
	}
	return &Client{serverAddr: raddr, conn: conn}, nil
}

// Close releases the client's socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Get fetches filename from the server and writes its content to w.
// The client plays the writer half of the transfer: the server sends
// DATA, the client ACKs it.
func (c *Client) Get(filename string, w io.Writer) error {
	lock, err := acquireLock(filename, c.serverAddr.String())
	if err != nil {
		return err
	}
	defer lock.release()

	if err := c.send(c.serverAddr, &ReadReq{Filename: filename, Mode: octetMode}); err != nil {
		return err
	}

	sess := newWriterSession(nil, filename, writerNopCloser{w})
	sess.outbound = nil
	return c.drive(sess, &ReadReq{Filename: filename, Mode: octetMode})
}

// Put sends the content of r to the server under filename. The client
// plays the reader half: it waits for ACK(0), then starts sending
// DATA, advancing only on the matching ACK.
func (c *Client) Put(filename string, r io.Reader) error {
	lock, err := acquireLock(filename, c.serverAddr.String())
	if err != nil {
		return err
	}
	defer lock.release()

	if err := c.send(c.serverAddr, &WriteReq{Filename: filename, Mode: octetMode}); err != nil {
		return err
	}

	var peer *net.UDPAddr
	var sess *session
	buf := make([]byte, MaxPacketSize+64)
	retries := 0

	for sess == nil {
		pkt, raddr, err := c.recvOne(buf, &retries, peer, &WriteReq{Filename: filename, Mode: octetMode})
		if err != nil {
			return err
		}
		if pkt == nil {
			continue // retransmitted request, still waiting
		}
		peer = raddr
		switch p := pkt.(type) {
		case *Ack:
			if p.Block != 0 {
				continue
			}
			sess, err = newReaderSession(peer, filename, readerNopCloser{r})
			if err != nil {
				return err
			}
		case *Error:
			return errors.Errorf("tftp: server rejected %q: %s", filename, p.Message)
		default:
			return errors.New("tftp: unexpected reply to WRQ")
		}
	}

	return c.drive(sess, nil)
}

// drive sends sess's pending outbound packet (if any) and then loops,
// applying inbound packets and timeouts to the session state machine
// until it terminates. req, if non-nil, is what gets retransmitted
// while still waiting for the very first reply (peer is not yet
// pinned).
func (c *Client) drive(sess *session, req Packet) error {
	var peer *net.UDPAddr
	if sess.peer != nil {
		peer = sess.peer.(*net.UDPAddr)
		if err := c.send(peer, sess.outbound); err != nil {
			return err
		}
	}

	buf := make([]byte, MaxPacketSize+64)
	retries := 0

	for {
		retransmit := sess.outbound
		if peer == nil {
			retransmit = req
		}
		pkt, raddr, err := c.recvOne(buf, &retries, peer, retransmit)
		if err != nil {
			return err
		}
		if pkt == nil {
			continue
		}
		if peer == nil {
			peer = raddr
			sess.peer = peer
		}

		retries = 0
		r := sess.onPacket(pkt)
		if r.send != nil {
			if err := c.send(peer, r.send); err != nil {
				return err
			}
		}
		if sess.terminated {
			if sess.failed {
				return errors.Errorf("tftp: transfer of %q failed", sess.filename)
			}
			Log.Debug().Str("filename", sess.filename).Str("md5", sess.checksum()).
				Dur("elapsed", time.Since(sess.startedAt)).Msg("transfer digest")
			return nil
		}
	}
}

// recvOne waits up to RetryInterval for one datagram from the pinned
// peer (or, before pinning, from anyone claiming to be the server).
// On timeout it retransmits retransmit and returns (nil, nil, nil) so
// the caller loops again; once MaxRetries is exceeded it gives up.
func (c *Client) recvOne(buf []byte, retries *int, peer *net.UDPAddr, retransmit Packet) (Packet, *net.UDPAddr, error) {
	c.conn.SetReadDeadline(time.Now().Add(RetryInterval))
	n, raddr, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			*retries++
			if *retries > MaxRetries {
				return nil, nil, errors.New("tftp: no response from server")
			}
			if retransmit != nil {
				dst := c.serverAddr
				if peer != nil {
					dst = peer
				}
				if err := c.send(dst, retransmit); err != nil {
					return nil, nil, err
				}
			}
			return nil, nil, nil
		}
		return nil, nil, errors.Wrap(err, "tftp: receive")
	}

	if peer != nil && raddr.String() != peer.String() {
		c.send(raddr, &Error{Code: ErrUnknownTID, Message: "unknown transfer ID"})
		return nil, nil, nil
	}

	pkt, err := Decode(buf[:n])
	if err != nil {
		return nil, nil, nil
	}
	return pkt, raddr, nil
}

func (c *Client) send(addr net.Addr, pkt Packet) error {
	var buf [MaxPacketSize]byte
	n, err := Encode(pkt, buf[:])
	if err != nil {
		return errors.Wrap(err, "tftp: encode")
	}
	_, err = c.conn.WriteTo(buf[:n], addr)
	return errors.Wrap(err, "tftp: send")
}

// writerNopCloser adapts an io.Writer to fileWriter for sessions that
// never need to close the underlying destination (the caller owns it).
type writerNopCloser struct{ io.Writer }

func (writerNopCloser) Close() error { return nil }

// readerNopCloser adapts an io.Reader to fileReader for sessions that
// never need to close the underlying source (the caller owns it).
type readerNopCloser struct{ io.Reader }

func (readerNopCloser) Close() error { return nil }
