// Package peerid generates the per-process peer identifiers used by the
// write-lock protocol. Identifiers are opaque strings, generated once per
// lock instance and never persisted or coordinated externally.
package peerid

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// New returns a new peer identifier. It prefers a random UUID; if the
// strong random source is unavailable it falls back to a timestamp plus
// random suffix, which is still collision-safe for the expected peer
// counts (tens, not millions). New never fails.
func New() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	return fmt.Sprintf("peer-%d-%06d", time.Now().UnixNano(), rand.Intn(1_000_000))
}
