package fetch

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/italolelis/httpfetch/internal/logctx"
	"github.com/italolelis/httpfetch/internal/storage"
)

// Decision is the outcome of a freshness check.
type Decision int

const (
	Stale Decision = iota
	UpToDate
)

func (d Decision) String() string {
	if d == UpToDate {
		return "up_to_date"
	}
	return "stale"
}

// Flags are the per-invocation policies that drive the freshness check.
type Flags struct {
	Overwrite      bool
	OnlyIfModified bool
}

// Prober issues the lightweight conditional request behind an
// only-if-modified check. It reports true when the server answered that the
// local copy is still current (a 304-equivalent response).
type Prober interface {
	Probe(ctx context.Context, url string, modSince time.Time, etag string) (bool, error)
}

// FreshnessEvaluator decides whether a unit needs a transfer at all.
type FreshnessEvaluator struct {
	prober Prober
	cache  storage.ValidatorRepository
}

func NewFreshnessEvaluator(prober Prober, cache storage.ValidatorRepository) *FreshnessEvaluator {
	return &FreshnessEvaluator{prober: prober, cache: cache}
}

// Evaluate returns UpToDate only when it is certain the destination holds
// current content; any uncertainty, including a failed probe, falls open
// toward Stale so a transfer is never silently skipped.
func (e *FreshnessEvaluator) Evaluate(ctx context.Context, unit Unit, flags Flags) Decision {
	logger := logctx.LoggerFromContext(ctx)

	if flags.Overwrite {
		return Stale
	}

	info, err := os.Stat(unit.Dest)
	if err != nil {
		return Stale
	}

	if !flags.OnlyIfModified {
		return UpToDate
	}

	etag := e.cachedETag(ctx, unit.Dest)

	notModified, err := e.prober.Probe(ctx, unit.URL, info.ModTime(), etag)
	if err != nil {
		logger.Warn("conditional probe failed, treating destination as stale", "url", unit.URL, "err", err)

		return Stale
	}

	if notModified {
		return UpToDate
	}

	return Stale
}

func (e *FreshnessEvaluator) cachedETag(ctx context.Context, dest string) string {
	if e.cache == nil {
		return ""
	}

	rec, err := e.cache.Get(dest)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logctx.LoggerFromContext(ctx).Warn("failed to read validator cache", "dest", dest, "err", err)
		}

		return ""
	}

	return rec.ETag
}
