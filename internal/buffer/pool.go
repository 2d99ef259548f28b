package buffer

import "sync"

// Size is the capacity of pooled buffers. Frames larger than this are allocated directly.
const Size = 8192

// Pool provides a pool of byte buffers for frame encoding
var Pool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, Size)
		return &b
	},
}

// Get retrieves a zero-length buffer with at least Size capacity
func Get() []byte {
	return (*Pool.Get().(*[]byte))[:0]
}

// GetFor returns a zero-length buffer able to hold n bytes.
// Small sizes come from the pool, larger ones are allocated.
func GetFor(n int) []byte {
	if n <= Size {
		return Get()
	}
	return make([]byte, 0, n)
}

// Put returns a buffer to the pool.
// Only buffers with exactly Size capacity are kept so oversized frames do not pin memory.
func Put(buf []byte) {
	if cap(buf) != Size {
		return
	}
	buf = buf[:0]
	Pool.Put(&buf)
}
