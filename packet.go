/*
 * Copyright (c) 2013 author: LiTao
 * All rights reserved.
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions
 * are met:
 * 1. Redistributions of source code must retain the above copyright
 *    notice, this list of conditions and the following disclaimer.
 * 2. Redistributions in binary form must reproduce the above copyright
 *    notice, this list of conditions and the following disclaimer in the
 *    documentation and/or other materials provided with the distribution.
 * 3. All advertising materials mentioning features or use of this software
 *    must display the following acknowledgement:
 *	This product includes software developed by the University of
 *	California, Berkeley and its contributors.
 * 4. Neither the name of the University nor the names of its contributors
 *    may be used to endorse or promote products derived from this software
 *    without specific prior written permission.
 *
 * THIS SOFTWARE IS PROVIDED BY THE REGENTS AND CONTRIBUTORS ``AS IS'' AND
 * ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
 * IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
 * ARE DISCLAIMED.  IN NO EVENT SHALL THE REGENTS OR CONTRIBUTORS BE LIABLE
 * FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
 * DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS
 * OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION)
 * HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT
 * LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY
 * OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF
 * SUCH DAMAGE.
 */

// Package gotftp implements the TFTP wire protocol (RFC 1350, octet mode
// only) and the session state machines that ride on top of it.
package gotftp

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

// OpCode identifies one of the five TFTP packet types.
type OpCode uint16

const (
	OpRRQ   OpCode = 1
	OpWRQ   OpCode = 2
	OpDATA  OpCode = 3
	OpACK   OpCode = 4
	OpERROR OpCode = 5
)

// ErrorCode is the 16-bit code carried in an ERROR packet.
type ErrorCode uint16

const (
	ErrUndefined       ErrorCode = 0
	ErrNotFound        ErrorCode = 1
	ErrAccessViolation ErrorCode = 2
	ErrDiskFull        ErrorCode = 3
	ErrIllegalOp       ErrorCode = 4
	ErrUnknownTID      ErrorCode = 5
	ErrAlreadyExists   ErrorCode = 6
	ErrNoSuchUser      ErrorCode = 7
)

// MaxBlockPayload is the largest DATA payload the engine will encode or
// accept; a shorter payload signals end of transfer.
const MaxBlockPayload = 512

// MaxPacketSize is the largest packet the codec will ever produce: 2-byte
// opcode + 2-byte block + MaxBlockPayload.
const MaxPacketSize = 4 + MaxBlockPayload

// octetMode is the only transfer mode this engine accepts.
const octetMode = "octet"

// DecodeError reports why Decode could not parse a buffer into a Packet.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "tftp: decode: " + e.Reason }

var (
	ErrTooShort        = &DecodeError{"too short"}
	ErrUnknownOpcode   = &DecodeError{"unknown opcode"}
	ErrUnterminatedStr = &DecodeError{"unterminated string"}
	ErrBadMode         = &DecodeError{"unsupported mode"}
	ErrPayloadTooBig   = &DecodeError{"data payload exceeds 512 bytes"}
)

// Packet is any of the five TFTP PDUs.
type Packet interface {
	Opcode() OpCode
}

// ReadReq is an RRQ: a request to fetch Filename from the peer.
type ReadReq struct {
	Filename string
	Mode     string
}

func (*ReadReq) Opcode() OpCode { return OpRRQ }

// WriteReq is a WRQ: a request to send Filename to the peer.
type WriteReq struct {
	Filename string
	Mode     string
}

func (*WriteReq) Opcode() OpCode { return OpWRQ }

// Data carries up to 512 bytes of file content for Block.
type Data struct {
	Block   uint16
	Payload []byte
}

func (*Data) Opcode() OpCode { return OpDATA }

// Ack acknowledges receipt of Block.
type Ack struct {
	Block uint16
}

func (*Ack) Opcode() OpCode { return OpACK }

// Error terminates a transfer with Code and a human-readable Message.
type Error struct {
	Code    ErrorCode
	Message string
}

func (*Error) Opcode() OpCode { return OpERROR }

// Decode parses buf into one of the five packet variants. Decode never
// retains buf: Data.Payload is copied out.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < 2 {
		return nil, ErrTooShort
	}
	op := OpCode(uint16(buf[0])<<8 | uint16(buf[1]))
	body := buf[2:]

	switch op {
	case OpRRQ, OpWRQ:
		filename, rest, err := readCString(body)
		if err != nil {
			return nil, err
		}
		mode, rest, err := readCString(rest)
		if err != nil {
			return nil, err
		}
		_ = rest // option-extension TLVs beyond mode are ignored (no RFC 2347 support)
		if !strings.EqualFold(mode, octetMode) {
			return nil, ErrBadMode
		}
		if op == OpRRQ {
			return &ReadReq{Filename: filename, Mode: octetMode}, nil
		}
		return &WriteReq{Filename: filename, Mode: octetMode}, nil

	case OpDATA:
		if len(body) < 2 || len(body) > 2+MaxBlockPayload {
			return nil, ErrTooShort
		}
		block := uint16(body[0])<<8 | uint16(body[1])
		payload := append([]byte(nil), body[2:]...)
		return &Data{Block: block, Payload: payload}, nil

	case OpACK:
		if len(body) != 2 {
			return nil, ErrTooShort
		}
		block := uint16(body[0])<<8 | uint16(body[1])
		return &Ack{Block: block}, nil

	case OpERROR:
		if len(body) < 2 {
			return nil, ErrTooShort
		}
		code := ErrorCode(uint16(body[0])<<8 | uint16(body[1]))
		msg, _, err := readCString(body[2:])
		if err != nil {
			return nil, err
		}
		return &Error{Code: code, Message: msg}, nil

	default:
		return nil, ErrUnknownOpcode
	}
}

// readCString reads a NUL-terminated string off the front of buf and
// returns it along with whatever follows the terminator.
func readCString(buf []byte) (s string, rest []byte, err error) {
	i := bytes.IndexByte(buf, 0)
	if i < 0 {
		return "", nil, ErrUnterminatedStr
	}
	return string(buf[:i]), buf[i+1:], nil
}

// Encode serializes p into dst[:n] and returns n. dst must have capacity
// for at least MaxPacketSize bytes for Data packets.
func Encode(p Packet, dst []byte) (int, error) {
	switch v := p.(type) {
	case *ReadReq:
		return encodeRequest(OpRRQ, v.Filename, dst)
	case *WriteReq:
		return encodeRequest(OpWRQ, v.Filename, dst)
	case *Data:
		if len(v.Payload) > MaxBlockPayload {
			return 0, ErrPayloadTooBig
		}
		n := 4 + len(v.Payload)
		if len(dst) < n {
			return 0, errors.New("tftp: encode: dst too small for DATA")
		}
		putOpBlock(dst, OpDATA, v.Block)
		copy(dst[4:], v.Payload)
		return n, nil
	case *Ack:
		if len(dst) < 4 {
			return 0, errors.New("tftp: encode: dst too small for ACK")
		}
		putOpBlock(dst, OpACK, v.Block)
		return 4, nil
	case *Error:
		msg := v.Message
		n := 4 + len(msg) + 1
		if len(dst) < n {
			return 0, errors.New("tftp: encode: dst too small for ERROR")
		}
		dst[0] = 0
		dst[1] = byte(OpERROR)
		dst[2] = byte(v.Code >> 8)
		dst[3] = byte(v.Code)
		copy(dst[4:], msg)
		dst[4+len(msg)] = 0
		return n, nil
	default:
		return 0, errors.Errorf("tftp: encode: unknown packet type %T", p)
	}
}

func encodeRequest(op OpCode, filename string, dst []byte) (int, error) {
	n := 2 + len(filename) + 1 + len(octetMode) + 1
	if len(dst) < n {
		return 0, errors.New("tftp: encode: dst too small for request")
	}
	dst[0] = 0
	dst[1] = byte(op)
	i := 2
	i += copy(dst[i:], filename)
	dst[i] = 0
	i++
	i += copy(dst[i:], octetMode)
	dst[i] = 0
	i++
	return i, nil
}

func putOpBlock(dst []byte, op OpCode, block uint16) {
	dst[0] = 0
	dst[1] = byte(op)
	dst[2] = byte(block >> 8)
	dst[3] = byte(block)
}
