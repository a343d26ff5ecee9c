package level

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	DefaultMaxTries         = 1
	DefaultMinCheckInterval = 10 * time.Second
)

// AbsentOptions tunes how long a tile stays marked missing.
type AbsentOptions struct {
	// MaxTries is the number of marks after which a tile is absent regardless of timing.
	MaxTries int
	// MinCheckInterval keeps a recently marked tile absent even below MaxTries.
	MinCheckInterval time.Duration
	// TryAgainInterval lets a mark lapse after this long. Zero means marks never lapse.
	TryAgainInterval time.Duration
}

func DefaultAbsentOptions() AbsentOptions {
	return AbsentOptions{MaxTries: DefaultMaxTries, MinCheckInterval: DefaultMinCheckInterval}
}

type absentEntry struct {
	tries    int
	lastMark time.Time
}

// AbsentRegistry remembers tiles confirmed missing upstream, keyed by tile number.
type AbsentRegistry struct {
	opts AbsentOptions
	now  func() time.Time

	// mu serialises read-modify-write of entries; ttlcache guards its own state.
	mu      sync.Mutex
	entries *ttlcache.Cache[int64, absentEntry]
}

func NewAbsentRegistry(opts AbsentOptions) *AbsentRegistry {
	if opts.MaxTries < 1 {
		opts.MaxTries = DefaultMaxTries
	}
	ttl := ttlcache.NoTTL
	if opts.TryAgainInterval > 0 {
		ttl = opts.TryAgainInterval
	}
	return &AbsentRegistry{
		opts: opts,
		now:  time.Now,
		entries: ttlcache.New[int64, absentEntry](
			ttlcache.WithTTL[int64, absentEntry](ttl),
			ttlcache.WithDisableTouchOnHit[int64, absentEntry](),
		),
	}
}

// MarkAbsent records one more failed attempt for tile n.
func (r *AbsentRegistry) MarkAbsent(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := absentEntry{}
	if item := r.entries.Get(n); item != nil {
		entry = item.Value()
	}
	entry.tries++
	entry.lastMark = r.now()
	r.entries.Set(n, entry, ttlcache.DefaultTTL)
}

func (r *AbsentRegistry) UnmarkAbsent(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries.Delete(n)
}

// IsAbsent reports whether tile n should not be requested.
func (r *AbsentRegistry) IsAbsent(n int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	item := r.entries.Get(n)
	if item == nil {
		return false
	}
	entry := item.Value()
	if entry.tries >= r.opts.MaxTries {
		return true
	}
	return r.now().Sub(entry.lastMark) < r.opts.MinCheckInterval
}

// Len is the number of tiles with at least one mark.
func (r *AbsentRegistry) Len() int {
	r.entries.DeleteExpired()
	return r.entries.Len()
}

func (r *AbsentRegistry) Clear() {
	r.entries.DeleteAll()
}
