package fetch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/httpfetch/internal/logctx"
	"github.com/italolelis/httpfetch/internal/retry"
	"github.com/italolelis/httpfetch/internal/storage"
	"github.com/italolelis/httpfetch/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const dirPerm = 0755

// Fetcher performs one transfer attempt: stream the URL's body into the
// staging path and report what was written.
type Fetcher interface {
	Fetch(ctx context.Context, url, stagingPath string) (*Attempt, error)
}

// Executor drives every unit of an invocation through the transfer state
// machine: freshness check, retried download into staging, atomic promotion.
type Executor struct {
	fetcher     Fetcher
	fresh       *FreshnessEvaluator
	retrier     *retry.Controller
	cache       storage.ValidatorRepository
	tel         *telemetry.Telemetry
	flags       Flags
	maxParallel int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithValidatorCache persists server validators after successful promotions.
func WithValidatorCache(cache storage.ValidatorRepository) ExecutorOption {
	return func(e *Executor) {
		e.cache = cache
	}
}

// WithTelemetry records unit outcomes and byte counts.
func WithTelemetry(tel *telemetry.Telemetry) ExecutorOption {
	return func(e *Executor) {
		e.tel = tel
	}
}

func NewExecutor(
	fetcher Fetcher,
	fresh *FreshnessEvaluator,
	retrier *retry.Controller,
	flags Flags,
	maxParallel int,
	opts ...ExecutorOption,
) *Executor {
	if maxParallel < 1 {
		maxParallel = 1
	}

	e := &Executor{
		fetcher:     fetcher,
		fresh:       fresh,
		retrier:     retrier,
		flags:       flags,
		maxParallel: maxParallel,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run executes every unit, bounded by maxParallel, and returns only after
// all of them reached a terminal state. A failed unit never stops its
// siblings; the aggregate result carries every failure.
func (e *Executor) Run(ctx context.Context, units []Unit) *Result {
	results := make([]UnitResult, len(units))
	locks := destLocks(units)

	wg, gctx := errgroup.WithContext(ctx)

	sem := make(chan struct{}, e.maxParallel)

	for i := range units {
		unit := units[i]
		idx := i
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			// Units sharing a destination path must not interleave writes.
			if mu := locks[unit.Dest]; mu != nil {
				mu.Lock()
				defer mu.Unlock()
			}

			results[idx] = e.runUnit(gctx, unit)

			return nil
		})
	}

	// Unit failures are collected in results, never returned through the
	// group, so Wait is purely a barrier.
	_ = wg.Wait()

	return &Result{Units: results}
}

func (e *Executor) runUnit(ctx context.Context, unit Unit) (res UnitResult) {
	logger := logctx.LoggerFromContext(ctx).With("url", unit.URL, "dest", unit.Dest)

	res = UnitResult{Unit: unit, State: StateCheckingFreshness}
	start := time.Now()

	e.tel.TransferStarted(ctx)

	defer func() {
		res.Duration = time.Since(start)
		e.tel.TransferEnded(ctx)
		e.tel.RecordFetch(ctx, res.State.String(), res.Duration)
	}()

	if e.fresh.Evaluate(ctx, unit, e.flags) == UpToDate {
		logger.Info("destination up to date, skipping download")

		res.State = StateSkipped

		return res
	}

	res.State = StateDownloading

	if err := os.MkdirAll(filepath.Dir(unit.Dest), dirPerm); err != nil {
		res.State = StateFailed
		res.Err = &FilesystemError{Path: filepath.Dir(unit.Dest), Op: "mkdir", Err: err}

		return res
	}

	attempt, err := e.download(ctx, unit, logger)
	if err != nil {
		e.removeStaging(unit, logger)

		res.State = StateFailed
		res.Err = err

		return res
	}

	// A cancellation signaled during the transfer must not promote; a rename
	// already in progress below is allowed to finish.
	if ctx.Err() != nil {
		e.removeStaging(unit, logger)

		res.State = StateFailed
		res.Err = ctx.Err()

		return res
	}

	res.State = StatePromoting

	if err := os.Rename(unit.Staging, unit.Dest); err != nil {
		e.removeStaging(unit, logger)

		res.State = StateFailed
		res.Err = &FilesystemError{Path: unit.Dest, Op: "rename", Err: err}

		return res
	}

	e.saveValidators(ctx, unit, attempt, logger)
	e.tel.RecordBytes(ctx, attempt.Bytes)

	res.State = StateDone
	res.Bytes = attempt.Bytes

	logger.Info("downloaded and promoted file", "size", humanize.Bytes(uint64(attempt.Bytes)))

	return res
}

func (e *Executor) download(ctx context.Context, unit Unit, logger *slog.Logger) (*Attempt, error) {
	var (
		attempt  *Attempt
		attempts int
	)

	err := e.retrier.Run(ctx, func() error {
		attempts++
		if attempts > 1 {
			logger.Debug("retrying download", "attempt", attempts)
			e.tel.RecordRetry(ctx)
		}

		a, err := e.fetcher.Fetch(ctx, unit.URL, unit.Staging)
		if err != nil {
			if !IsRetryable(err) {
				return retry.Permanent(err)
			}

			return err
		}

		attempt = a

		return nil
	})
	if err != nil {
		return nil, err
	}

	return attempt, nil
}

func (e *Executor) saveValidators(ctx context.Context, unit Unit, attempt *Attempt, logger *slog.Logger) {
	if e.cache == nil {
		return
	}

	rec := storage.ValidatorRecord{
		Dest: unit.Dest,
		ETag: attempt.ETag,
	}

	if !attempt.LastModified.IsZero() {
		rec.LastModified = attempt.LastModified.Format(time.RFC3339)
	}

	if err := e.cache.Save(rec); err != nil {
		logger.Warn("failed to save validator cache", "err", err)
	}
}

func (e *Executor) removeStaging(unit Unit, logger *slog.Logger) {
	if err := os.Remove(unit.Staging); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove staging file", "staging", unit.Staging, "err", err)
	}
}

// destLocks builds a mutex per destination shared by more than one unit.
// Distinct destinations need no locking: each unit owns its own staging
// file and rename is atomic.
func destLocks(units []Unit) map[string]*sync.Mutex {
	seen := make(map[string]int, len(units))
	for _, u := range units {
		seen[u.Dest]++
	}

	locks := make(map[string]*sync.Mutex)

	for dest, n := range seen {
		if n > 1 {
			locks[dest] = &sync.Mutex{}
		}
	}

	return locks
}
