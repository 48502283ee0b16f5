// Package harvester walks the tcgcsv catalog hierarchy and streams
// price observations into the warehouse, checkpointing each node so an
// interrupted run resumes where it stopped.
package harvester

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cardwatch-backend/lib/checkpoint"
	"cardwatch-backend/lib/proxypool"
	"cardwatch-backend/lib/ratelimit"
	"cardwatch-backend/lib/scrapers/tcgcsv"
	"cardwatch-backend/lib/warehouse"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("services/harvester")

// Catalog is the slice of the tcgcsv client the fetcher needs.
type Catalog interface {
	Categories(ctx context.Context) ([]tcgcsv.Category, error)
	Groups(ctx context.Context, categoryID int64) ([]tcgcsv.Group, error)
	Prices(ctx context.Context, categoryID, groupID int64) ([]tcgcsv.Price, error)
}

type Options struct {
	// Workers bounds how many groups are fetched concurrently within a
	// category. Pacing is still serialized by the shared rate governor.
	Workers int
	// MaxNodeAttempts bounds in-run retries for rate-limited and
	// transient server failures on a single node. An exhausted node is
	// left pending for a later run, not failed.
	MaxNodeAttempts int
	// RetryFailed demotes previously failed nodes back to pending
	// before the walk starts.
	RetryFailed bool
	// Categories restricts the walk to these category ids. Empty means
	// every category.
	Categories []int64
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxNodeAttempts <= 0 {
		o.MaxNodeAttempts = 3
	}
	return o
}

// Summary is what one run accomplished.
type Summary struct {
	Processed int
	Skipped   int
	Failed    int
	Records   int
}

type Fetcher struct {
	catalog Catalog
	gov     *ratelimit.Governor
	pool    *proxypool.Pool
	store   *checkpoint.Store
	sink    *warehouse.Sink
}

func NewFetcher(
	catalog Catalog,
	gov *ratelimit.Governor,
	pool *proxypool.Pool,
	store *checkpoint.Store,
	sink *warehouse.Sink,
) *Fetcher {
	return &Fetcher{
		catalog: catalog,
		gov:     gov,
		pool:    pool,
		store:   store,
		sink:    sink,
	}
}

// Run walks every selected category and its groups, resuming from the
// checkpoint. A single node failing never aborts the walk; only
// checkpoint persistence failures and cancellation do. The sink is
// drained before Run returns, even on error.
func (f *Fetcher) Run(ctx context.Context, opts Options) (Summary, error) {
	ctx, span := tracer.Start(ctx, "harvester.Run")
	defer span.End()

	opts = opts.withDefaults()
	var sum summary

	err := f.store.BeginRun(ctx)
	if err != nil {
		return Summary{}, err
	}
	slog.Info("run started", "run_id", f.store.RunID(), "workers", opts.Workers)

	if opts.RetryFailed {
		n, err := f.store.ResetFailed(ctx)
		if err != nil {
			return Summary{}, err
		}
		slog.Info("failed nodes reset to pending", "count", n)
	}

	f.pool.HealthCheckAll(ctx)
	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go f.pool.KeepFresh(healthCtx)

	defer func() {
		drainErr := f.sink.Drain(ctx)
		if drainErr != nil {
			slog.Error("draining sink failed", "error", drainErr)
		}
		s := sum.snapshot()
		summaryErr := f.store.RecordSummary(context.WithoutCancel(ctx),
			s.Processed, s.Skipped, s.Failed, s.Records)
		if summaryErr != nil {
			slog.Error("recording run summary failed", "error", summaryErr)
		}
	}()

	categories, err := f.listCategories(ctx, opts)
	if err != nil {
		return sum.snapshot(), err
	}

	for _, cat := range categories {
		err = f.processCategory(ctx, opts, &sum, cat)
		if err != nil {
			return sum.snapshot(), err
		}
	}

	slog.Info("run finished",
		"processed", sum.processed,
		"skipped", sum.skipped,
		"failed", sum.failed,
		"records", sum.records,
		"egress_route", f.pool.Current())
	return sum.snapshot(), nil
}

// listCategories fetches the category roster and registers each
// selected category with the checkpoint. A roster failure aborts the
// run since nothing below it can proceed.
func (f *Fetcher) listCategories(ctx context.Context, opts Options) ([]tcgcsv.Category, error) {
	var categories []tcgcsv.Category
	_, err := f.fetch(ctx, opts, "categories", func(ctx context.Context) error {
		var err error
		categories, err = f.catalog.Categories(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}

	selected := categories[:0]
	for _, cat := range categories {
		if !wantsCategory(opts, cat.CategoryID) {
			continue
		}
		err = f.store.Discover(ctx, checkpoint.CategoryNode(cat.CategoryID))
		if err != nil {
			return nil, err
		}
		selected = append(selected, cat)
	}
	return selected, nil
}

func (f *Fetcher) processCategory(
	ctx context.Context, opts Options, sum *summary, cat tcgcsv.Category,
) error {
	ctx, span := tracer.Start(ctx, "harvester.processCategory")
	defer span.End()
	span.SetAttributes(attribute.Int64("category_id", cat.CategoryID))

	node := checkpoint.CategoryNode(cat.CategoryID)
	done, err := f.store.IsCompleted(ctx, node.ID)
	if err != nil {
		return err
	}
	if done {
		sum.skip(1)
		return nil
	}
	claimed, err := f.store.Claim(ctx, node.ID)
	if err != nil {
		return err
	}
	if !claimed {
		// Failed in an earlier run and not reset; operator opt-in only.
		sum.skip(1)
		return nil
	}

	groups, outcome, err := f.listGroups(ctx, opts, cat.CategoryID)
	switch {
	case err == nil:
	case outcome == ratelimit.OutcomeClientError:
		sum.fail(1)
		slog.Warn("category failed", "category", cat.CategoryID, "error", err)
		return f.store.MarkErr(ctx, node.ID, checkpoint.StateFailed, err.Error())
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		// Transient exhaustion: hand the category back for a later run.
		slog.Warn("category deferred", "category", cat.CategoryID, "error", err)
		return f.store.Mark(ctx, node.ID, checkpoint.StatePending)
	}

	for _, grp := range groups {
		err = f.store.Discover(ctx, checkpoint.GroupNode(cat.CategoryID, grp.GroupID))
		if err != nil {
			return err
		}
	}

	err = f.processGroups(ctx, opts, sum, cat.CategoryID, groups)
	if err != nil {
		return err
	}

	// The category is done only once every child is; otherwise it stays
	// pending so the remainder is picked up next run.
	remaining, err := f.store.PendingNodes(ctx, node.ID, true)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return f.store.Mark(ctx, node.ID, checkpoint.StatePending)
	}
	sum.complete(1, 0)
	return f.store.Mark(ctx, node.ID, checkpoint.StateCompleted)
}

// processGroups walks a category's groups with a bounded worker pool.
// Workers share the governor, so pacing stays global regardless of
// fan-out.
func (f *Fetcher) processGroups(
	ctx context.Context, opts Options, sum *summary,
	categoryID int64, groups []tcgcsv.Group,
) error {
	var (
		wg       sync.WaitGroup
		slots    = make(chan struct{}, opts.Workers)
		errOnce  sync.Once
		firstErr error
	)
	for _, grp := range groups {
		if ctx.Err() != nil {
			break
		}
		grp := grp
		slots <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			err := f.processGroup(ctx, opts, sum, categoryID, grp)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (f *Fetcher) processGroup(
	ctx context.Context, opts Options, sum *summary,
	categoryID int64, grp tcgcsv.Group,
) error {
	node := checkpoint.GroupNode(categoryID, grp.GroupID)
	claimed, err := f.store.Claim(ctx, node.ID)
	if err != nil {
		return err
	}
	if !claimed {
		// Completed earlier, or failed and not reset.
		sum.skip(1)
		return nil
	}

	var prices []tcgcsv.Price
	label := fmt.Sprintf("prices %d/%d", categoryID, grp.GroupID)
	outcome, err := f.fetch(ctx, opts, label, func(ctx context.Context) error {
		var err error
		prices, err = f.catalog.Prices(ctx, categoryID, grp.GroupID)
		return err
	})
	switch {
	case err == nil:
	case outcome == ratelimit.OutcomeClientError:
		sum.fail(1)
		slog.Warn("group failed",
			"category", categoryID, "group", grp.GroupID, "error", err)
		return f.store.MarkErr(ctx, node.ID, checkpoint.StateFailed, err.Error())
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		slog.Warn("group deferred",
			"category", categoryID, "group", grp.GroupID, "error", err)
		return f.store.Mark(ctx, node.ID, checkpoint.StatePending)
	}

	// An empty price list is a legitimate completed group, common for
	// supplemental sets with no sealed product.
	err = f.sink.Push(ctx, toRecords(categoryID, grp.GroupID, prices))
	if err != nil {
		// The warehouse is rejecting writes; hand the node back and
		// abort, the failed batch has already been backed up.
		markErr := f.store.Mark(ctx, node.ID, checkpoint.StatePending)
		if markErr != nil {
			return markErr
		}
		return err
	}

	sum.complete(1, len(prices))
	return f.store.Mark(ctx, node.ID, checkpoint.StateCompleted)
}

func (f *Fetcher) listGroups(
	ctx context.Context, opts Options, categoryID int64,
) ([]tcgcsv.Group, ratelimit.Outcome, error) {
	var groups []tcgcsv.Group
	label := fmt.Sprintf("groups %d", categoryID)
	outcome, err := f.fetch(ctx, opts, label, func(ctx context.Context) error {
		var err error
		groups, err = f.catalog.Groups(ctx, categoryID)
		return err
	})
	return groups, outcome, err
}

// fetch runs one upstream request through the governor/pool pipeline,
// retrying rate-limit and server failures up to MaxNodeAttempts. Client
// errors return immediately; retrying them cannot help.
func (f *Fetcher) fetch(
	ctx context.Context, opts Options, label string,
	do func(ctx context.Context) error,
) (ratelimit.Outcome, error) {
	var (
		outcome ratelimit.Outcome
		err     error
	)
	for attempt := 1; attempt <= opts.MaxNodeAttempts; attempt++ {
		err = f.gov.Wait(ctx)
		if err != nil {
			return ratelimit.OutcomeServerError, err
		}
		route := f.pool.Select(ctx)

		err = do(ctx)
		outcome = tcgcsv.Classify(err)
		f.gov.RecordOutcome(outcome)
		f.pool.Report(route, outcome)

		switch outcome {
		case ratelimit.OutcomeOK, ratelimit.OutcomeClientError:
			return outcome, err
		}
		slog.Debug("transient failure, retrying",
			"target", label, "attempt", attempt, "route", route, "error", err)
	}
	return outcome, err
}

func toRecords(categoryID, groupID int64, prices []tcgcsv.Price) []warehouse.Record {
	now := time.Now().UTC()
	records := make([]warehouse.Record, 0, len(prices))
	for _, p := range prices {
		records = append(records, warehouse.Record{
			CategoryID:     categoryID,
			GroupID:        groupID,
			ProductID:      p.ProductID,
			SubTypeName:    p.SubTypeName,
			LowPrice:       p.LowPrice,
			MidPrice:       p.MidPrice,
			HighPrice:      p.HighPrice,
			MarketPrice:    p.MarketPrice,
			DirectLowPrice: p.DirectLowPrice,
			ObservedAt:     now,
		})
	}
	return records
}

func wantsCategory(opts Options, categoryID int64) bool {
	if len(opts.Categories) == 0 {
		return true
	}
	for _, id := range opts.Categories {
		if id == categoryID {
			return true
		}
	}
	return false
}

// summary is the mutex-guarded accumulator behind Summary; group
// workers update it concurrently.
type summary struct {
	mu        sync.Mutex
	processed int
	skipped   int
	failed    int
	records   int
}

func (s *summary) complete(nodes, records int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed += nodes
	s.records += records
}

func (s *summary) skip(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped += n
}

func (s *summary) fail(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed += n
}

func (s *summary) snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		Processed: s.processed,
		Skipped:   s.skipped,
		Failed:    s.failed,
		Records:   s.records,
	}
}
