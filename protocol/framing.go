package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// TokenBufferSize is the size of the single Read issued per token. A
	// token longer than this is silently truncated, exactly as a 1024-byte
	// recv would truncate it.
	TokenBufferSize = 1024
)

var (
	ErrTruncatedFrame    = errors.New("connection closed before the declared payload length was received")
	ErrShortLengthHeader = errors.New("connection closed mid way through a length header")

	// ByeSentinel is sent by the client in place of a length header to end
	// an authenticated session. It must be matched against these literal
	// bytes, never interpreted as a length.
	ByeSentinel = [4]byte{'#', 'b', 'y', 'e'}
)

// WriteToken sends a single text token in one write call. The receiver
// depends on one-send-per-token framing, so callers must never concatenate
// tokens into a single WriteToken call.
func WriteToken(w io.Writer, token string) error {
	_, err := w.Write([]byte(token))
	return err
}

// ReadToken issues exactly one read call and returns the received bytes as
// a whitespace-trimmed string. It returns io.EOF when the peer has closed
// the connection without sending anything.
func ReadToken(r io.Reader) (string, error) {
	buf := make([]byte, TokenBufferSize)

	n, err := r.Read(buf)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return "", err
	}

	return strings.TrimSpace(string(buf[:n])), nil
}

// BlockHeader is the decoded form of the 4 bytes that open every
// authenticated-loop exchange: either a payload length or the bye sentinel.
type BlockHeader struct {
	Length uint32
	Bye    bool
}

// WriteBlock sends a binary payload as a 4-byte big-endian length followed
// by the raw bytes. Header and payload are separate writes, mirroring the
// sender this protocol is compatible with.
func WriteBlock(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	_, err := w.Write(payload)
	return err
}

// WriteBye sends the session-ending sentinel in place of a length header.
func WriteBye(w io.Writer) error {
	_, err := w.Write(ByeSentinel[:])
	return err
}

// ReadBlockHeader reads exactly 4 bytes and decides whether they are the
// bye sentinel or a payload length. A clean close before any byte arrives
// is reported as io.EOF; a close part way through the header is
// ErrShortLengthHeader.
func ReadBlockHeader(r io.Reader) (BlockHeader, error) {
	var header [4]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return BlockHeader{}, ErrShortLengthHeader
		}
		return BlockHeader{}, err
	}

	if bytes.Equal(header[:], ByeSentinel[:]) {
		return BlockHeader{Bye: true}, nil
	}

	return BlockHeader{Length: binary.BigEndian.Uint32(header[:])}, nil
}

// ReadBlockPayload accumulates chunks until exactly length bytes have
// arrived. It fails with ErrTruncatedFrame if the connection closes first.
// The declared length is peer-controlled, so the buffer grows with the
// bytes that actually arrive rather than being preallocated from the
// header.
func ReadBlockPayload(r io.Reader, length uint32) ([]byte, error) {
	var payload []byte
	buf := make([]byte, TokenBufferSize)

	for uint32(len(payload)) < length {
		chunk := length - uint32(len(payload))
		if chunk > TokenBufferSize {
			chunk = TokenBufferSize
		}

		n, err := r.Read(buf[:chunk])
		payload = append(payload, buf[:n]...)

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("received %d of %d bytes: %w",
					len(payload), length, ErrTruncatedFrame)
			}
			return nil, err
		}
	}

	return payload, nil
}
