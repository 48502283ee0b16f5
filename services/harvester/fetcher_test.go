package harvester

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cardwatch-backend/lib/checkpoint"
	"cardwatch-backend/lib/proxypool"
	"cardwatch-backend/lib/ratelimit"
	"cardwatch-backend/lib/scrapers/tcgcsv"
	"cardwatch-backend/lib/telemetry"
	"cardwatch-backend/lib/testutil"
	"cardwatch-backend/lib/warehouse"

	"github.com/stretchr/testify/require"
)

// fakeCatalog serves canned hierarchy data and pops scripted errors
// per endpoint before answering.
type fakeCatalog struct {
	mu         sync.Mutex
	categories []tcgcsv.Category
	groups     map[int64][]tcgcsv.Group
	prices     map[string][]tcgcsv.Price
	failures   map[string][]error
	calls      map[string]int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		groups:   map[int64][]tcgcsv.Group{},
		prices:   map[string][]tcgcsv.Price{},
		failures: map[string][]error{},
		calls:    map[string]int{},
	}
}

func (f *fakeCatalog) addGroup(categoryID, groupID int64, prices ...tcgcsv.Price) {
	f.groups[categoryID] = append(f.groups[categoryID], tcgcsv.Group{
		GroupID: groupID, CategoryID: categoryID,
	})
	f.prices[fmt.Sprintf("%d:%d", categoryID, groupID)] = prices
}

func (f *fakeCatalog) failNext(endpoint string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[endpoint] = append(f.failures[endpoint], errs...)
}

func (f *fakeCatalog) callCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakeCatalog) visit(endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[endpoint]++
	pending := f.failures[endpoint]
	if len(pending) == 0 {
		return nil
	}
	f.failures[endpoint] = pending[1:]
	return pending[0]
}

func (f *fakeCatalog) Categories(ctx context.Context) ([]tcgcsv.Category, error) {
	err := f.visit("categories")
	if err != nil {
		return nil, err
	}
	return f.categories, nil
}

func (f *fakeCatalog) Groups(ctx context.Context, categoryID int64) ([]tcgcsv.Group, error) {
	err := f.visit(fmt.Sprintf("groups:%d", categoryID))
	if err != nil {
		return nil, err
	}
	return f.groups[categoryID], nil
}

func (f *fakeCatalog) Prices(ctx context.Context, categoryID, groupID int64) ([]tcgcsv.Price, error) {
	key := fmt.Sprintf("%d:%d", categoryID, groupID)
	err := f.visit("prices:" + key)
	if err != nil {
		return nil, err
	}
	return f.prices[key], nil
}

type captureLoader struct {
	mu      sync.Mutex
	records []warehouse.Record
}

func (l *captureLoader) LoadBatch(ctx context.Context, records []warehouse.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, records...)
	return nil
}

type harness struct {
	catalog *fakeCatalog
	store   *checkpoint.Store
	loader  *captureLoader
	fetcher *Fetcher
}

func setup(t *testing.T) *harness {
	t.Helper()
	cleanup := telemetry.SetupForTesting("test:harvester")
	t.Cleanup(cleanup)

	catalog := newFakeCatalog()
	store := checkpoint.NewStore(testutil.OpenDB(t, checkpoint.Schema))
	loader := &captureLoader{}
	sink := warehouse.NewSink(loader, warehouse.SinkConfig{FlushThreshold: 1000})
	gov := ratelimit.NewGovernor(ratelimit.Config{
		BaseDelay:     time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      4 * time.Millisecond,
		CooldownAfter: 100,
		Cooldown:      time.Millisecond,
	})
	pool := proxypool.NewPool(proxypool.Config{})

	return &harness{
		catalog: catalog,
		store:   store,
		loader:  loader,
		fetcher: NewFetcher(catalog, gov, pool, store, sink),
	}
}

func TestWalkThenResumeIsANoOp(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.catalog.categories = []tcgcsv.Category{{CategoryID: 1}}
	h.catalog.addGroup(1, 10,
		tcgcsv.Price{ProductID: 100, MarketPrice: 1.5},
		tcgcsv.Price{ProductID: 101, MarketPrice: 8})
	h.catalog.addGroup(1, 11, tcgcsv.Price{ProductID: 102, LowPrice: 0.1})

	sum, err := h.fetcher.Run(ctx, Options{})
	require.NoError(t, err)
	// 2 groups plus the parent category
	require.Equal(t, Summary{Processed: 3, Records: 3}, sum)
	require.Len(t, h.loader.records, 3)

	done, err := h.store.IsCompleted(ctx, "category:1")
	require.NoError(t, err)
	require.True(t, done)

	// Everything is checkpointed; a second run touches no price data.
	sum, err = h.fetcher.Run(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, Summary{Skipped: 1}, sum)
	require.Equal(t, 1, h.catalog.callCount("prices:1:10"))
	require.Equal(t, 1, h.catalog.callCount("prices:1:11"))
}

func TestPartialFailureDoesNotAbortTheWalk(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.catalog.categories = []tcgcsv.Category{{CategoryID: 1}, {CategoryID: 2}}
	h.catalog.addGroup(1, 10, tcgcsv.Price{ProductID: 100, MarketPrice: 2})
	h.catalog.addGroup(2, 20, tcgcsv.Price{ProductID: 200, MarketPrice: 3})
	h.catalog.addGroup(2, 21)
	h.catalog.failNext("prices:2:20", &tcgcsv.StatusError{Code: 429})
	h.catalog.failNext("prices:2:21", &tcgcsv.StatusError{Code: 404})

	sum, err := h.fetcher.Run(ctx, Options{})
	require.NoError(t, err)

	// Category 1 and its group, plus group 2:20 after a rate-limit
	// retry. Group 2:21 fails permanently so category 2 stays open.
	require.Equal(t, Summary{Processed: 3, Failed: 1, Records: 2}, sum)
	require.Equal(t, 2, h.catalog.callCount("prices:2:20"))

	failed, err := h.store.IsFailed(ctx, "group:2:21")
	require.NoError(t, err)
	require.True(t, failed)
	done, err := h.store.IsCompleted(ctx, "category:2")
	require.NoError(t, err)
	require.False(t, done)
}

func TestRetryFailedReopensFailedNodes(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.catalog.categories = []tcgcsv.Category{{CategoryID: 1}}
	h.catalog.addGroup(1, 10, tcgcsv.Price{ProductID: 100, MarketPrice: 5})
	h.catalog.failNext("prices:1:10", tcgcsv.ErrMalformed)

	sum, err := h.fetcher.Run(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, sum.Failed)

	// Without the flag the failed group stays untouched.
	sum, err = h.fetcher.Run(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, Summary{Skipped: 1}, sum)
	require.Equal(t, 1, h.catalog.callCount("prices:1:10"))

	sum, err = h.fetcher.Run(ctx, Options{RetryFailed: true})
	require.NoError(t, err)
	require.Equal(t, Summary{Processed: 2, Records: 1}, sum)
}

func TestTransientExhaustionLeavesNodePending(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.catalog.categories = []tcgcsv.Category{{CategoryID: 1}}
	h.catalog.addGroup(1, 10, tcgcsv.Price{ProductID: 100})
	h.catalog.failNext("prices:1:10",
		&tcgcsv.StatusError{Code: 503},
		&tcgcsv.StatusError{Code: 503})

	sum, err := h.fetcher.Run(ctx, Options{MaxNodeAttempts: 2})
	require.NoError(t, err)
	require.Equal(t, Summary{}, sum)

	failed, err := h.store.IsFailed(ctx, "group:1:10")
	require.NoError(t, err)
	require.False(t, failed)

	// The node was handed back; the next run picks it up and succeeds.
	sum, err = h.fetcher.Run(ctx, Options{MaxNodeAttempts: 2})
	require.NoError(t, err)
	require.Equal(t, Summary{Processed: 2, Records: 1}, sum)
}

func TestCategoryFilter(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.catalog.categories = []tcgcsv.Category{{CategoryID: 1}, {CategoryID: 2}}
	h.catalog.addGroup(1, 10, tcgcsv.Price{ProductID: 100})
	h.catalog.addGroup(2, 20, tcgcsv.Price{ProductID: 200})

	sum, err := h.fetcher.Run(ctx, Options{Categories: []int64{2}})
	require.NoError(t, err)
	require.Equal(t, Summary{Processed: 2, Records: 1}, sum)
	require.Equal(t, 0, h.catalog.callCount("groups:1"))

	// The filtered-out category was never even discovered.
	counts, err := h.store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, map[checkpoint.State]int{checkpoint.StateCompleted: 2}, counts)
}

func TestConcurrentGroupWorkers(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.catalog.categories = []tcgcsv.Category{{CategoryID: 1}}
	for g := int64(10); g < 20; g++ {
		h.catalog.addGroup(1, g, tcgcsv.Price{ProductID: g * 100})
	}

	sum, err := h.fetcher.Run(ctx, Options{Workers: 4})
	require.NoError(t, err)
	require.Equal(t, Summary{Processed: 11, Records: 10}, sum)
	require.Len(t, h.loader.records, 10)
}
