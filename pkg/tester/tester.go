package tester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/multierr"

	"proxypool/internal/logger"
	"proxypool/pkg/checker"
	"proxypool/pkg/proxy"
	"proxypool/pkg/store"
)

const DefaultBatchSize = 20

// Validator checks a single proxy. *checker.Checker satisfies it.
type Validator interface {
	Validate(ctx context.Context, p proxy.Proxy) checker.CheckResult
}

// Report summarizes one sweep over the store.
type Report struct {
	Total       int64
	Batches     int
	Tested      int
	Healthy     int
	Invalid     int
	Unreachable int
	Errors      int
	Evicted     int
	Duration    time.Duration
}

// Tester pages through the store and validates each page concurrently.
type Tester struct {
	store     *store.Store
	validator Validator
	batchSize int
	logger    *logger.Logger
}

func New(s *store.Store, v Validator, batchSize int) *Tester {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Tester{
		store:     s,
		validator: v,
		batchSize: batchSize,
		logger:    logger.New("tester"),
	}
}

// Run performs one full sweep. Paging stops only when the store hands back
// the terminal cursor, so an empty page in the middle of a scan is skipped
// rather than treated as the end. Validation errors and panics are collected
// and returned together once the sweep completes.
func (t *Tester) Run(ctx context.Context) (Report, error) {
	id := logger.GenerateID()
	start := time.Now()
	var report Report

	total, err := t.store.Count(ctx)
	if err != nil {
		return report, err
	}
	report.Total = total
	t.logger.Info(id, "Testing %d proxies in batches of %d", total, t.batchSize)

	var (
		errs   error
		cursor uint64
	)
	for {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}

		next, batch, err := t.store.ScanBatch(ctx, cursor, t.batchSize)
		if err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		report.Batches++

		if len(batch) > 0 {
			t.logger.Debug(id, "Batch %d: testing %d proxies (cursor %d)", report.Batches, len(batch), cursor)
			errs = multierr.Append(errs, t.testBatch(ctx, batch, &report))
		}

		if next == 0 {
			break
		}
		cursor = next
	}

	report.Duration = time.Since(start)
	t.logger.Info(id, "Sweep finished in %v: %d tested, %d healthy, %d invalid, %d unreachable, %d errors, %d evicted",
		report.Duration.Round(time.Millisecond), report.Tested, report.Healthy, report.Invalid,
		report.Unreachable, report.Errors, report.Evicted)
	if n := len(multierr.Errors(errs)); n > 0 {
		t.logger.Warn(id, "Sweep collected %d errors", n)
	}
	return report, errs
}

// testBatch validates every proxy of the batch in its own goroutine, waits
// for all of them and then applies the score changes.
func (t *Tester) testBatch(ctx context.Context, batch []proxy.Proxy, report *Report) error {
	results := make([]checker.CheckResult, len(batch))
	panicked := make([]error, len(batch))

	var wg conc.WaitGroup
	for i, p := range batch {
		wg.Go(func() {
			var pc panics.Catcher
			pc.Try(func() {
				results[i] = t.validator.Validate(ctx, p)
			})
			if r := pc.Recovered(); r != nil {
				panicked[i] = fmt.Errorf("validation of %s panicked: %w", p, r.AsError())
			}
		})
	}
	wg.Wait()

	var errs error
	for i, p := range batch {
		report.Tested++
		if panicked[i] != nil {
			report.Errors++
			errs = multierr.Append(errs, panicked[i])
			continue
		}
		errs = multierr.Append(errs, t.apply(ctx, p, results[i], report))
	}
	return errs
}

func (t *Tester) apply(ctx context.Context, p proxy.Proxy, result checker.CheckResult, report *Report) error {
	var (
		adj store.Adjustment
		err error
	)

	switch result.Status.Category() {
	case checker.CategorySuccess:
		report.Healthy++
		return t.store.IncreaseToMax(ctx, p)

	case checker.CategoryValidityFailure:
		report.Invalid++
		adj, err = t.store.Decrease(ctx, p)

	case checker.CategoryTransportFailure:
		report.Unreachable++
		adj, err = t.store.Penalize(ctx, p)

	default:
		report.Errors++
		if result.Error == nil {
			return fmt.Errorf("validation of %s ended with status %s", p, result.Status)
		}
		return fmt.Errorf("validation of %s failed: %w", p, result.Error)
	}

	if errors.Is(err, store.ErrNotFound) {
		// removed by someone else while being validated
		return nil
	}
	if err != nil {
		return err
	}
	if adj.Evicted {
		report.Evicted++
	}
	return nil
}
