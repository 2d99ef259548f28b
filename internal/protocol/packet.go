package protocol

import (
	"encoding/binary"
	"io"

	"github.com/SkynetNext/edge-gateway/internal/buffer"
)

// EdgeFrameSize returns the number of bytes the packet occupies on the edge wire
func EdgeFrameSize(p *GatewayPacket) int {
	return LengthFieldSize + EdgeHeaderSize + len(p.Body)
}

// AppendEdge appends the edge encoding of p to dst and returns the extended slice.
// SessionID is not part of the edge format and is ignored.
func AppendEdge(dst []byte, p *GatewayPacket) []byte {
	var hdr [LengthFieldSize + EdgeHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(EdgeHeaderSize+len(p.Body)))
	binary.BigEndian.PutUint32(hdr[4:8], p.MsgID)
	binary.BigEndian.PutUint32(hdr[8:12], p.Seq)
	dst = append(dst, hdr[:]...)
	return append(dst, p.Body...)
}

// EncodeEdge returns a freshly allocated edge frame
func EncodeEdge(p *GatewayPacket) []byte {
	return AppendEdge(make([]byte, 0, EdgeFrameSize(p)), p)
}

// EncodePooledEdge encodes into a pooled buffer when the frame fits.
// The writer that consumes the frame returns it with buffer.Put.
func EncodePooledEdge(p *GatewayPacket) []byte {
	return AppendEdge(buffer.GetFor(EdgeFrameSize(p)), p)
}

// ReadEdge reads one complete edge frame from r.
// Optimized: reads the length prefix, then the rest of the frame with a single ReadFull.
// A clean EOF before the first byte is returned as io.EOF; a torn frame as io.ErrUnexpectedEOF.
func ReadEdge(r io.Reader, maxFrameSize int) (*GatewayPacket, error) {
	var lenBuf [LengthFieldSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if err := checkLength("edge", length, EdgeHeaderSize, maxFrameSize); err != nil {
		return nil, err
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return parseEdge(frame), nil
}

// DecodeEdge decodes a single complete edge frame including its length prefix.
// The returned body aliases frame.
func DecodeEdge(frame []byte, maxFrameSize int) (*GatewayPacket, error) {
	if len(frame) < LengthFieldSize {
		return nil, io.ErrUnexpectedEOF
	}
	length := binary.BigEndian.Uint32(frame[0:4])
	if err := checkLength("edge", length, EdgeHeaderSize, maxFrameSize); err != nil {
		return nil, err
	}
	if uint64(len(frame)-LengthFieldSize) < uint64(length) {
		return nil, io.ErrUnexpectedEOF
	}
	return parseEdge(frame[LengthFieldSize : LengthFieldSize+int(length)]), nil
}

// parseEdge parses the fixed fields of a frame whose length prefix was already consumed
func parseEdge(frame []byte) *GatewayPacket {
	return &GatewayPacket{
		MsgID: binary.BigEndian.Uint32(frame[0:4]),
		Seq:   binary.BigEndian.Uint32(frame[4:8]),
		Body:  frame[EdgeHeaderSize:],
	}
}
