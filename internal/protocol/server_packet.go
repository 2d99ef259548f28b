package protocol

import (
	"encoding/binary"
	"io"

	"github.com/SkynetNext/edge-gateway/internal/buffer"
)

// InternalFrameSize returns the number of bytes the packet occupies on the internal wire
func InternalFrameSize(p *GatewayPacket) int {
	return LengthFieldSize + InternalHeaderSize + len(p.Body)
}

// AppendInternal appends the internal encoding of p to dst and returns the extended slice
func AppendInternal(dst []byte, p *GatewayPacket) []byte {
	var hdr [LengthFieldSize + InternalHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(InternalHeaderSize+len(p.Body)))
	binary.BigEndian.PutUint32(hdr[4:8], p.SessionID)
	binary.BigEndian.PutUint32(hdr[8:12], p.MsgID)
	binary.BigEndian.PutUint32(hdr[12:16], p.Seq)
	dst = append(dst, hdr[:]...)
	return append(dst, p.Body...)
}

// EncodeInternal returns a freshly allocated internal frame
func EncodeInternal(p *GatewayPacket) []byte {
	return AppendInternal(make([]byte, 0, InternalFrameSize(p)), p)
}

// EncodePooledInternal encodes into a pooled buffer when the frame fits
func EncodePooledInternal(p *GatewayPacket) []byte {
	return AppendInternal(buffer.GetFor(InternalFrameSize(p)), p)
}

// ReadInternal reads one complete internal frame from r
func ReadInternal(r io.Reader, maxFrameSize int) (*GatewayPacket, error) {
	var lenBuf [LengthFieldSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if err := checkLength("internal", length, InternalHeaderSize, maxFrameSize); err != nil {
		return nil, err
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return parseInternal(frame), nil
}

// DecodeInternal decodes a single complete internal frame including its length prefix.
// The returned body aliases frame.
func DecodeInternal(frame []byte, maxFrameSize int) (*GatewayPacket, error) {
	if len(frame) < LengthFieldSize {
		return nil, io.ErrUnexpectedEOF
	}
	length := binary.BigEndian.Uint32(frame[0:4])
	if err := checkLength("internal", length, InternalHeaderSize, maxFrameSize); err != nil {
		return nil, err
	}
	if uint64(len(frame)-LengthFieldSize) < uint64(length) {
		return nil, io.ErrUnexpectedEOF
	}
	return parseInternal(frame[LengthFieldSize : LengthFieldSize+int(length)]), nil
}

func parseInternal(frame []byte) *GatewayPacket {
	return &GatewayPacket{
		SessionID: binary.BigEndian.Uint32(frame[0:4]),
		MsgID:     binary.BigEndian.Uint32(frame[4:8]),
		Seq:       binary.BigEndian.Uint32(frame[8:12]),
		Body:      frame[InternalHeaderSize:],
	}
}
