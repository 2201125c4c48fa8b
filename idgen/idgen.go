// Package idgen issues globally unique, time-ordered 64-bit identifiers.
// An id is composed of a 31-bit seconds-since-epoch timestamp in the high
// half and a 32-bit sequence number in the low half; bit 63 stays zero. The
// sequence comes from an atomic counter in the shared store, provisioned per
// business tag and calendar day so it cannot overflow its 32 bits under any
// realistic daily volume.
package idgen

import (
	"context"
	"time"

	"github.com/surgeproof/go-surge/store"
)

// sequenceBits is the width of the per-day sequence in the composite id.
const sequenceBits = 32

// counterKeyFormat buckets counters by calendar day.
const counterKeyFormat = "2006:01:02"

// defaultEpoch is 2022-01-01T00:00:00Z; 31 bits of seconds from here last
// until 2090.
var defaultEpoch = time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC)

// Generator issues ids for arbitrary business tags.
type Generator struct {
	store store.Store
	epoch time.Time
	now   func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithEpoch overrides the reference epoch.
func WithEpoch(t time.Time) Option {
	return func(g *Generator) {
		g.epoch = t
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// New returns a Generator backed by the shared store's atomic counter.
func New(st store.Store, opts ...Option) *Generator {
	g := &Generator{
		store: st,
		epoch: defaultEpoch,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NextID returns the next id for bizTag. Ids issued within one second for the
// same tag are strictly increasing by sequence; across seconds they increase
// by timestamp regardless of sequence.
func (g *Generator) NextID(ctx context.Context, bizTag string) (int64, error) {
	now := g.now().UTC()
	timestamp := now.Unix() - g.epoch.Unix()

	key := "icr:" + bizTag + ":" + now.Format(counterKeyFormat)
	seq, err := g.store.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	return timestamp<<sequenceBits | seq, nil
}
