package gotftp

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type closingBuffer struct {
	bytes.Buffer
	closed bool
}

func (c *closingBuffer) Close() error {
	c.closed = true
	return nil
}

func TestReaderSessionSendsShortFinalBlockAndTerminates(t *testing.T) {
	src := &closingBuffer{}
	src.WriteString("hello") // 5 bytes, well under one block

	sess, err := newReaderSession(nil, "f.txt", src)
	require.NoError(t, err)
	require.Equal(t, uint16(1), sess.currentBlock)
	require.Equal(t, []byte("hello"), sess.outbound.(*Data).Payload)

	r := sess.onPacket(&Ack{Block: 1})
	require.True(t, r.terminate)
	require.Nil(t, r.send)
	require.True(t, sess.terminated)
	require.False(t, sess.failed)
}

func TestReaderSessionIgnoresStaleAck(t *testing.T) {
	src := &closingBuffer{}
	src.Write(bytes.Repeat([]byte{0x41}, MaxBlockPayload+10))

	sess, err := newReaderSession(nil, "f.txt", src)
	require.NoError(t, err)
	require.Equal(t, uint16(1), sess.currentBlock)

	// Duplicate ACK(0), well behind current_block: must not resend
	// (sorcerer's-apprentice prevention).
	for i := 0; i < 3; i++ {
		r := sess.onPacket(&Ack{Block: 0})
		require.Nil(t, r.send)
		require.False(t, r.terminate)
	}
	require.Equal(t, uint16(1), sess.currentBlock)
}

func TestReaderSessionRejectsOutOfOrderAck(t *testing.T) {
	src := &closingBuffer{}
	src.WriteString("x")

	sess, err := newReaderSession(nil, "f.txt", src)
	require.NoError(t, err)

	r := sess.onPacket(&Ack{Block: 5})
	require.True(t, r.terminate)
	errPkt, ok := r.send.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrIllegalOp, errPkt.Code)
}

func TestReaderSessionFailsOnPeerError(t *testing.T) {
	src := &closingBuffer{}
	src.WriteString("x")
	sess, err := newReaderSession(nil, "f.txt", src)
	require.NoError(t, err)

	r := sess.onPacket(&Error{Code: ErrDiskFull, Message: "nope"})
	require.True(t, r.terminate)
	require.True(t, sess.failed)
}

func TestWriterSessionAppendsAndAcksInOrder(t *testing.T) {
	dst := &closingBuffer{}
	sess := newWriterSession(nil, "f.txt", dst)
	require.Equal(t, uint16(0), sess.currentBlock)

	full := bytes.Repeat([]byte{0x42}, MaxBlockPayload)
	r := sess.onPacket(&Data{Block: 1, Payload: full})
	require.False(t, r.terminate)
	require.Equal(t, &Ack{Block: 1}, r.send)
	require.Equal(t, uint16(1), sess.currentBlock)
	require.Equal(t, full, dst.Bytes())

	r = sess.onPacket(&Data{Block: 2, Payload: []byte("tail")})
	require.True(t, r.terminate)
	require.Equal(t, &Ack{Block: 2}, r.send)
	require.False(t, sess.failed)
	require.Equal(t, append(append([]byte{}, full...), "tail"...), dst.Bytes())
}

func TestWriterSessionDoesNotDoubleWriteRetransmittedData(t *testing.T) {
	dst := &closingBuffer{}
	sess := newWriterSession(nil, "f.txt", dst)

	payload := []byte("abc")
	r1 := sess.onPacket(&Data{Block: 1, Payload: payload})
	require.Equal(t, payload, dst.Bytes())

	// Server's ACK(1) was lost; peer retransmits DATA(1).
	r2 := sess.onPacket(&Data{Block: 1, Payload: payload})
	require.Equal(t, r1.send, r2.send)
	require.Equal(t, payload, dst.Bytes()) // not appended twice
}

func TestWriterSessionIgnoresOutOfOrderData(t *testing.T) {
	dst := &closingBuffer{}
	sess := newWriterSession(nil, "f.txt", dst)

	r := sess.onPacket(&Data{Block: 3, Payload: []byte("skip")})
	require.Nil(t, r.send)
	require.False(t, r.terminate)
	require.Equal(t, uint16(0), sess.currentBlock)
	require.Equal(t, 0, dst.Len())
}

func TestWriterSessionFlagsFailedOnWriteError(t *testing.T) {
	sess := newWriterSession(nil, "f.txt", failingWriter{})
	r := sess.onPacket(&Data{Block: 1, Payload: []byte("x")})
	require.True(t, r.terminate)
	require.True(t, sess.failed)
	errPkt, ok := r.send.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrDiskFull, errPkt.Code)
}

func TestWriterSessionFlagsFailedOnPeerError(t *testing.T) {
	dst := &closingBuffer{}
	sess := newWriterSession(nil, "f.txt", dst)
	r := sess.onPacket(&Error{Code: ErrIllegalOp, Message: "bad"})
	require.True(t, r.terminate)
	require.True(t, sess.failed)
}

func TestOnTimeoutRetransmitsThenGivesUp(t *testing.T) {
	src := &closingBuffer{}
	src.WriteString("x")
	sess, err := newReaderSession(nil, "f.txt", src)
	require.NoError(t, err)

	for i := 0; i < MaxRetries; i++ {
		r := sess.onTimeout()
		require.False(t, r.terminate)
		require.Equal(t, sess.outbound, r.send)
	}
	r := sess.onTimeout()
	require.True(t, r.terminate)
	require.False(t, sess.failed) // reader role never flags failed
}

func TestOnTimeoutFlagsFailedForWriterRole(t *testing.T) {
	dst := &closingBuffer{}
	sess := newWriterSession(nil, "f.txt", dst)
	sess.retries = MaxRetries
	r := sess.onTimeout()
	require.True(t, r.terminate)
	require.True(t, sess.failed)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
func (failingWriter) Close() error              { return nil }
