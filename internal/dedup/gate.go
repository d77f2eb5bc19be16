// Package dedup decides whether an inbound message delivery has already been
// ingested. Three layers back the decision, cheapest first: an in-process
// cache of recently confirmed identity keys, a recovery journal replayed into
// that cache at startup, and a bounded store query over a trailing window.
// The cache uses reserve/confirm semantics so that a key is only remembered
// once its message is durably stored.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/metrics"
)

const (
	// DefaultWindow bounds how long a confirmed key shadows redeliveries in
	// the in-process cache.
	DefaultWindow = 15 * time.Minute
	// DefaultStoreWindow bounds the trailing interval of the store probe.
	DefaultStoreWindow = 10 * time.Minute
)

// StoreWindow is the bounded store probe backing the slowest dedup layer.
type StoreWindow interface {
	// HasRecentMessage reports whether a stored message with the same owner
	// (nil for orphans) and identical body exists at or after since.
	HasRecentMessage(ctx context.Context, leadID *uuid.UUID, body string, since time.Time) (bool, error)
}

// Verdict is the outcome of a dedup check.
type Verdict int

const (
	VerdictNew Verdict = iota
	VerdictDuplicateCache
	VerdictDuplicateInflight
	VerdictDuplicateStore
)

// Duplicate reports whether the delivery must be dropped.
func (v Verdict) Duplicate() bool { return v != VerdictNew }

// Layer names the layer that produced a duplicate verdict.
func (v Verdict) Layer() string {
	switch v {
	case VerdictDuplicateCache:
		return "cache"
	case VerdictDuplicateInflight:
		return "inflight"
	case VerdictDuplicateStore:
		return "store"
	default:
		return ""
	}
}

// Gate is the process-wide dedup check. Constructed once at startup and
// shared by every webhook delivery; all cache state lives behind one mutex.
type Gate struct {
	store       StoreWindow
	journal     *Journal
	window      time.Duration
	storeWindow time.Duration
	now         func() time.Time

	mu       sync.Mutex
	seen     map[string]int64
	inflight map[string]struct{}
}

// NewGate builds a Gate over the given store probe. journal may be nil when
// restart continuity is disabled.
func NewGate(store StoreWindow, journal *Journal, window, storeWindow time.Duration) *Gate {
	return &Gate{
		store:       store,
		journal:     journal,
		window:      window,
		storeWindow: storeWindow,
		now:         time.Now,
		seen:        make(map[string]int64),
		inflight:    make(map[string]struct{}),
	}
}

// Seed preloads confirmed keys, normally the replay returned by OpenJournal.
// Entries already past the window are dropped on the next check.
func (g *Gate) Seed(entries map[string]int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for k, ts := range entries {
		g.seen[k] = ts
	}
	metrics.DedupCacheSize.Set(float64(len(g.seen)))
}

// CheckAndReserve runs the layered duplicate check for key. On VerdictNew the
// key is reserved: concurrent deliveries of the same key are turned away
// until the caller settles the reservation with Confirm or Release. Exactly
// one of those must follow every VerdictNew.
func (g *Gate) CheckAndReserve(ctx context.Context, key string, leadID *uuid.UUID, body string) (Verdict, error) {
	now := g.now()
	nowMS := now.UnixMilli()

	g.mu.Lock()
	g.purgeLocked(nowMS)
	if _, ok := g.seen[key]; ok {
		g.mu.Unlock()
		metrics.DedupHits.WithLabelValues("cache").Inc()
		return VerdictDuplicateCache, nil
	}
	if _, busy := g.inflight[key]; busy {
		g.mu.Unlock()
		metrics.DedupHits.WithLabelValues("inflight").Inc()
		return VerdictDuplicateInflight, nil
	}
	g.inflight[key] = struct{}{}
	g.mu.Unlock()

	// Slowest layer, reservation holder only: catches redeliveries that
	// arrive after a restart or beyond the cache window.
	dup, err := g.store.HasRecentMessage(ctx, leadID, body, now.Add(-g.storeWindow))
	if err != nil {
		g.Release(key)
		return VerdictNew, eris.Wrap(err, "dedup: store window probe")
	}
	if dup {
		g.confirm(key, nowMS)
		metrics.DedupHits.WithLabelValues("store").Inc()
		return VerdictDuplicateStore, nil
	}
	return VerdictNew, nil
}

// Confirm settles a reservation after the message write committed. Confirming
// before the write would let a failed ingestion shadow its own retry.
func (g *Gate) Confirm(key string) {
	g.confirm(key, g.now().UnixMilli())
}

// Release settles a reservation after a failed write so the provider's
// redelivery gets a clean check.
func (g *Gate) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.inflight, key)
}

func (g *Gate) confirm(key string, seenAtMS int64) {
	g.mu.Lock()
	delete(g.inflight, key)
	g.seen[key] = seenAtMS
	size := len(g.seen)
	g.mu.Unlock()
	metrics.DedupCacheSize.Set(float64(size))

	if g.journal == nil {
		return
	}
	if err := g.journal.Append(key, seenAtMS); err != nil {
		// The journal narrows the restart gap but the store probe still
		// backstops it, so a failed append must not fail the ingestion.
		zap.L().Warn("dedup journal append failed", zap.Error(err))
	}
}

// purgeLocked drops entries at or past the window edge. Runs inline on every
// check; there is no background sweeper.
func (g *Gate) purgeLocked(nowMS int64) {
	winMS := g.window.Milliseconds()
	for k, ts := range g.seen {
		if nowMS-ts >= winMS {
			delete(g.seen, k)
		}
	}
	metrics.DedupCacheSize.Set(float64(len(g.seen)))
}
