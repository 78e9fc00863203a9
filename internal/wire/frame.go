// Package wire implements the length-prefixed JSON framing shared by the
// scrape and process tiers. A frame is a 4-byte big-endian payload length
// followed by that many bytes of UTF-8 JSON.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"syscall"
	"time"
	"unicode/utf8"
)

const headerSize = 4

// Defaults used when Options leaves a field at zero.
const (
	DefaultRetries = 3
	DefaultDelay   = time.Second
)

var (
	// ErrShortHeader is returned when the peer closes before a full header.
	ErrShortHeader = errors.New("connection closed before frame header")
	// ErrTruncated is returned when the peer closes mid-payload.
	ErrTruncated = errors.New("connection closed before full payload")
	// ErrPayloadTooLarge is returned when a frame exceeds Options.MaxPayload.
	ErrPayloadTooLarge = errors.New("payload exceeds limit")
	// ErrInvalidUTF8 is returned when a payload is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("payload is not valid UTF-8")
)

// Options tunes retry behavior and the optional payload cap.
type Options struct {
	Retries    int
	Delay      time.Duration
	MaxPayload int // 0 disables the cap
}

// DefaultOptions returns three attempts with a fixed one second delay.
func DefaultOptions() Options {
	return Options{Retries: DefaultRetries, Delay: DefaultDelay}
}

func (o Options) normalize() Options {
	if o.Retries <= 0 {
		o.Retries = DefaultRetries
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.MaxPayload < 0 {
		o.MaxPayload = 0
	}
	return o
}

// NetworkError wraps every transport, framing and decoding failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("wire %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Encode marshals v and prefixes it with its length.
func Encode(v any, maxPayload int) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, &NetworkError{Op: "encode", Err: err}
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, &NetworkError{Op: "encode", Err: ErrPayloadTooLarge}
	}
	if maxPayload > 0 && len(payload) > maxPayload {
		return nil, &NetworkError{
			Op:  "encode",
			Err: fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), maxPayload),
		}
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// Decode validates and unmarshals a frame payload into v.
func Decode(payload []byte, v any) error {
	if !utf8.Valid(payload) {
		return &NetworkError{Op: "decode", Err: ErrInvalidUTF8}
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &NetworkError{Op: "decode", Err: err}
	}
	return nil
}

// readFrame reads one frame. consumed reports whether any byte of the
// frame was read, after which a retry would desynchronize the stream.
func readFrame(r io.Reader, maxPayload int) (payload []byte, consumed bool, err error) {
	var header [headerSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, n > 0, fmt.Errorf("%w (%d of %d bytes)", ErrShortHeader, n, headerSize)
		}
		return nil, n > 0, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if maxPayload > 0 && uint64(size) > uint64(maxPayload) {
		return nil, true, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, size, maxPayload)
	}
	payload = make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, true, ErrTruncated
		}
		return nil, true, err
	}
	return payload, true, nil
}

// isTransient reports errors worth retrying: timeouts, resets and broken pipes.
func isTransient(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
