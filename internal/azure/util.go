package azure

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// randomIndex returns a uniformly random index in [0, n) from a secure
// random source, used to pick a launch config without biasing toward
// the first entry.
func randomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("randomIndex: n must be positive, got %d", n)
	}
	if n == 1 {
		return 0, nil
	}

	var buf [8]byte
	limit := (^uint64(0) / uint64(n)) * uint64(n)
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("reading random index: %w", err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return int(v % uint64(n)), nil
		}
	}
}
