package writelock

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Elearning-Pallium/case-explorer-ui-sub001/v1/logger"
)

// ErrInvalidConfig is returned when the timing constants are inconsistent.
var ErrInvalidConfig = errors.New("writelock: staleness threshold must exceed twice the heartbeat interval")

// Config holds the protocol timing constants.
type Config struct {
	// AcquireWait is how long a requesting peer waits for a denial before
	// declaring itself holder. Short enough for responsive acquisition,
	// long enough for a silent holder to answer.
	AcquireWait time.Duration
	// HeartbeatInterval is the holder's proof-of-life cadence.
	HeartbeatInterval time.Duration
	// StalenessThreshold is the maximum tolerated holder silence before
	// non-holders reclaim the lock. Must exceed 2*HeartbeatInterval so at
	// least one heartbeat can be missed without a false reclamation.
	StalenessThreshold time.Duration
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		AcquireWait:        time.Second,
		HeartbeatInterval:  3 * time.Second,
		StalenessThreshold: 10 * time.Second,
	}
}

func (c Config) validate() error {
	if c.AcquireWait <= 0 || c.HeartbeatInterval <= 0 || c.StalenessThreshold <= 0 {
		return ErrInvalidConfig
	}
	if c.StalenessThreshold <= 2*c.HeartbeatInterval {
		return ErrInvalidConfig
	}
	return nil
}

type options struct {
	cfg      Config
	log      logger.Logger
	peerID   string
	registry prometheus.Registerer
}

// Option customizes a Lock.
type Option func(*options)

// WithConfig overrides the timing constants.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithPeerID fixes the peer identifier instead of generating one.
func WithPeerID(id string) Option {
	return func(o *options) { o.peerID = id }
}

// WithRegistry registers the lock's peer-labeled collectors on reg. Without
// it the collectors still count, but are not exposed anywhere.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}
