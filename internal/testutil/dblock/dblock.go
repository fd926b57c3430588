package dblock

import (
	"net"
	"time"
)

// Test packages that share the local Postgres instance serialize on a
// TCP listener so their TRUNCATEs never interleave.
const lockAddr = "127.0.0.1:45433"

func Acquire() func() {
	for {
		ln, err := net.Listen("tcp", lockAddr)
		if err == nil {
			return func() { ln.Close() }
		}
		time.Sleep(50 * time.Millisecond)
	}
}
