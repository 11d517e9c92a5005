package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
)

var (
	// ErrFrameTooLarge indicates the declared frame length exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds max size")
	// ErrVersionMismatch indicates a hello with an unsupported protocol version.
	ErrVersionMismatch = errors.New("protocol: unsupported protocol version")
)

// DecodeError reports a payload that could not be decoded for its declared type.
type DecodeError struct {
	MessageType MessageType
	Reason      string
	Err         error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: decode %q message: %s: %v", e.MessageType, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: decode %q message: %s", e.MessageType, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode marshals a message envelope to its wire payload.
func Encode(m Message) ([]byte, error) {
	if !knownTypes[m.Type] {
		return nil, fmt.Errorf("protocol: encode unknown message type %q", m.Type)
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q message: %w", m.Type, err)
	}
	return payload, nil
}

// Decode parses one frame payload into a message envelope.
//
// A malformed payload, an unknown type, or a payload that does not match the
// declared type yields a *DecodeError.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	if m.Type == "" {
		return Message{}, &DecodeError{Reason: "missing message type"}
	}
	if !knownTypes[m.Type] {
		return Message{}, &DecodeError{MessageType: m.Type, Reason: "unknown message type"}
	}
	if err := validatePayload(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame. Frames declaring a length above
// MaxFrameSize are rejected before the payload buffer is allocated.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

