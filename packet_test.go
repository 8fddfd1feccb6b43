package gotftp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Packet{
		&ReadReq{Filename: "boot.img", Mode: octetMode},
		&WriteReq{Filename: "a/b/c.bin", Mode: octetMode},
		&Data{Block: 1, Payload: []byte("hello world")},
		&Data{Block: 65535, Payload: nil},
		&Ack{Block: 0},
		&Ack{Block: 65535},
		&Error{Code: ErrNotFound, Message: "no such file"},
	}

	for _, want := range cases {
		var buf [MaxPacketSize]byte
		n, err := Encode(want, buf[:])
		require.NoError(t, err)

		got, err := Decode(buf[:n])
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode([]byte{0x00})
	require.Equal(t, ErrTooShort, err)
}

func TestDecodeRejectsUnknownOpcode(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x09})
	require.Equal(t, ErrUnknownOpcode, err)
}

func TestDecodeRejectsNetasciiMode(t *testing.T) {
	buf := append([]byte{0x00, 0x01}, "f.txt\x00netascii\x00"...)
	_, err := Decode(buf)
	require.Equal(t, ErrBadMode, err)
}

func TestDecodeRejectsOversizeData(t *testing.T) {
	body := make([]byte, 2+MaxBlockPayload+1)
	buf := append([]byte{0x00, byte(OpDATA)}, body...)
	_, err := Decode(buf)
	require.Equal(t, ErrTooShort, err)
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	var buf [MaxPacketSize + 1]byte
	_, err := Encode(&Data{Block: 1, Payload: make([]byte, MaxBlockPayload+1)}, buf[:])
	require.Equal(t, ErrPayloadTooBig, err)
}

func TestModeComparisonIsCaseInsensitive(t *testing.T) {
	buf := append([]byte{0x00, 0x01}, "f.txt\x00OCTET\x00"...)
	pkt, err := Decode(buf)
	require.NoError(t, err)
	req, ok := pkt.(*ReadReq)
	require.True(t, ok)
	require.Equal(t, "f.txt", req.Filename)
}
