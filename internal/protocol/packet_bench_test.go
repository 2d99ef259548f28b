package protocol

import (
	"bytes"
	"testing"

	"github.com/SkynetNext/edge-gateway/internal/buffer"
)

// BenchmarkEncodeInternal benchmarks internal encoding with a fresh allocation per frame
func BenchmarkEncodeInternal(b *testing.B) {
	p := &GatewayPacket{SessionID: 12345, MsgID: 1, Body: make([]byte, 100)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = EncodeInternal(p)
	}
}

// BenchmarkEncodePooledInternal benchmarks internal encoding into pooled buffers
func BenchmarkEncodePooledInternal(b *testing.B) {
	p := &GatewayPacket{SessionID: 12345, MsgID: 1, Body: make([]byte, 100)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buffer.Put(EncodePooledInternal(p))
	}
}

// BenchmarkReadEdge benchmarks stream decoding of edge frames
func BenchmarkReadEdge(b *testing.B) {
	wire := EncodeEdge(&GatewayPacket{MsgID: 1, Body: make([]byte, 100)})
	r := bytes.NewReader(wire)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Reset(wire)
		if _, err := ReadEdge(r, DefaultMaxFrameSize); err != nil {
			b.Fatal(err)
		}
	}
}
