package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const dedupeCacheSize = 100_000

type UpserterOptions struct {
	// Retrier wraps each write; nil means a single attempt.
	Retrier *Retrier
	// WritesPerSecond throttles writes when positive.
	WritesPerSecond float64
	// DedupeConsecutive skips a write whose body matches the last body
	// applied for the same id.
	DedupeConsecutive bool
}

type UpsertStats struct {
	Applied int64 `json:"applied"`
	Failed  int64 `json:"failed"`
	Deduped int64 `json:"deduped"`
}

// Upserter applies documents to the destination keyed by id. Write failures
// are logged and counted; only context cancellation reaches the caller.
type Upserter struct {
	dest    Destination
	retrier *Retrier
	limiter *rate.Limiter
	log     zerolog.Logger

	dedupe   bool
	dedupeMu sync.Mutex
	lastHash map[string]string

	applied atomic.Int64
	failed  atomic.Int64
	deduped atomic.Int64
}

func NewUpserter(dest Destination, opts UpserterOptions, log zerolog.Logger) *Upserter {
	retrier := opts.Retrier
	if retrier == nil {
		retrier = &Retrier{MaxAttempts: 1, Log: log}
	}
	var limiter *rate.Limiter
	if opts.WritesPerSecond > 0 {
		burst := int(opts.WritesPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.WritesPerSecond), burst)
	}
	u := &Upserter{
		dest:    dest,
		retrier: retrier,
		limiter: limiter,
		log:     log,
		dedupe:  opts.DedupeConsecutive,
	}
	if u.dedupe {
		u.lastHash = map[string]string{}
	}
	return u
}

// Apply writes doc and reports whether the destination now holds its body,
// either from this write or from an identical earlier one. A document that
// could not be written is logged, counted and reported as not applied; only
// context cancellation is returned as an error.
func (u *Upserter) Apply(ctx context.Context, doc Document) (bool, error) {
	if doc.ID == "" {
		u.failed.Add(1)
		u.log.Error().Msg("refusing to upsert document without id")
		return false, nil
	}
	hash := ""
	if u.dedupe {
		hash = hashBody(doc.Body)
		if u.seen(doc.ID, hash) {
			u.deduped.Add(1)
			u.log.Debug().Str("id", doc.ID).Msg("skipping unchanged document")
			return true, nil
		}
	}
	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			// The wait would outlive the deadline.
			u.failed.Add(1)
			u.log.Error().Err(err).Str("id", doc.ID).Str("rev", doc.Rev).Msg("write throttle exceeded deadline, document skipped")
			return false, nil
		}
	}
	err := u.retrier.Do(ctx, "upsert "+doc.ID, func(ctx context.Context) error {
		return u.dest.Upsert(ctx, doc)
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		u.failed.Add(1)
		u.log.Error().Err(err).Str("id", doc.ID).Str("rev", doc.Rev).Msg("upsert failed, document skipped")
		return false, nil
	}
	if u.dedupe {
		u.remember(doc.ID, hash)
	}
	u.applied.Add(1)
	u.log.Debug().Str("id", doc.ID).Str("rev", doc.Rev).Msg("document upserted")
	return true, nil
}

func (u *Upserter) Stats() UpsertStats {
	return UpsertStats{
		Applied: u.applied.Load(),
		Failed:  u.failed.Load(),
		Deduped: u.deduped.Load(),
	}
}

func (u *Upserter) seen(id, hash string) bool {
	u.dedupeMu.Lock()
	defer u.dedupeMu.Unlock()
	return u.lastHash[id] == hash
}

func (u *Upserter) remember(id, hash string) {
	u.dedupeMu.Lock()
	defer u.dedupeMu.Unlock()
	if len(u.lastHash) >= dedupeCacheSize {
		u.lastHash = map[string]string{}
	}
	u.lastHash[id] = hash
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
