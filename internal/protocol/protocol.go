package protocol

import (
	"errors"
	"fmt"
)

const (
	// LengthFieldSize is the size of the big-endian length prefix shared by both formats
	LengthFieldSize = 4

	// EdgeHeaderSize is the edge header after the length prefix (msgId + seq)
	EdgeHeaderSize = 4 + 4

	// InternalHeaderSize is the internal header after the length prefix (sessionId + msgId + seq)
	InternalHeaderSize = 4 + 4 + 4

	// DefaultMaxFrameSize bounds the length field of a single frame (1 MiB)
	DefaultMaxFrameSize = 1024 * 1024
)

// MaxWireSize is the largest encoded frame, on either wire, for a client frame whose
// length field is at most maxFrameSize: the length prefix plus the sessionId the
// internal format adds.
func MaxWireSize(maxFrameSize int) int {
	return LengthFieldSize + maxFrameSize + (InternalHeaderSize - EdgeHeaderSize)
}

// Edge format (client <-> gateway), big endian:
//
//	Offset  Size  Field
//	0       4     length = 8 + len(body)
//	4       4     msgId
//	8       4     seq
//	12      n     body
//
// Internal format (gateway <-> node), big endian:
//
//	Offset  Size  Field
//	0       4     length = 12 + len(body)
//	4       4     sessionId
//	8       4     msgId
//	12      4     seq
//	16      n     body
//
// The edge format carries no session metadata; the gateway stamps sessionId from the
// session owning the client connection before forwarding.

// GatewayPacket is a decoded frame of either format.
// SessionID is 0 for packets decoded from the edge wire.
type GatewayPacket struct {
	SessionID uint32
	MsgID     uint32
	Seq       uint32
	Body      []byte
}

var (
	// ErrProtocol matches every *ProtocolError via errors.Is
	ErrProtocol = errors.New("protocol error")

	// ErrMessageTooLarge is returned when a frame length exceeds the configured maximum
	ErrMessageTooLarge = errors.New("message size exceeds maximum allowed")

	// ErrMessageTooShort is returned when a frame length is smaller than its fixed header
	ErrMessageTooShort = errors.New("message length shorter than header")
)

// ProtocolError reports a malformed frame. The connection that produced it must be closed.
type ProtocolError struct {
	Format string // "edge" or "internal"
	Length uint32
	Max    int
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Max > 0 {
		return fmt.Sprintf("%s frame: %v: %d bytes (max: %d)", e.Format, e.Err, e.Length, e.Max)
	}
	return fmt.Sprintf("%s frame: %v: %d bytes", e.Format, e.Err, e.Length)
}

// Unwrap returns the underlying cause
func (e *ProtocolError) Unwrap() error { return e.Err }

// Is reports whether target is ErrProtocol
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// checkLength validates a decoded length field against the header size and the frame bound
func checkLength(format string, length uint32, header, maxFrameSize int) error {
	if length < uint32(header) {
		return &ProtocolError{Format: format, Length: length, Err: ErrMessageTooShort}
	}
	if maxFrameSize > 0 && length > uint32(maxFrameSize) {
		return &ProtocolError{Format: format, Length: length, Max: maxFrameSize, Err: ErrMessageTooLarge}
	}
	return nil
}
