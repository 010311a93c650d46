package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories/contact"
	"github.com/Ramsey-B/fern/pkg/lock"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconcile"
)

func newTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// tickingClock advances one second per reading so creation order is strict
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newEngine(store reconcile.ContactStore) *reconcile.Engine {
	return reconcile.NewEngine(store, lock.NewLocalLocker(), newTestLogger(), reconcile.DefaultOptions())
}

func newMemoryEngine() (*reconcile.Engine, *contact.MemoryStore) {
	store := contact.NewMemoryStore(contact.WithClock(tickingClock()))
	return newEngine(store), store
}

func identify(t *testing.T, engine *reconcile.Engine, email, phone string) *models.ConsolidatedContact {
	t.Helper()
	view, err := engine.Reconcile(context.Background(), reconcile.Observation{Email: email, Phone: phone})
	require.NoError(t, err)
	require.NotNil(t, view)
	return view
}

func byID(store *contact.MemoryStore) map[string]models.Contact {
	out := map[string]models.Contact{}
	for _, c := range store.All() {
		out[c.ID] = c
	}
	return out
}

// assertFlat checks that every live secondary links straight to a live primary
func assertFlat(t *testing.T, store *contact.MemoryStore) {
	t.Helper()
	contacts := byID(store)
	for _, c := range contacts {
		if c.IsDeleted() {
			continue
		}
		if c.IsPrimary() {
			assert.Nil(t, c.LinkedID, "primary %s has a link", c.ID)
			continue
		}
		require.NotNil(t, c.LinkedID, "secondary %s has no link", c.ID)
		parent, ok := contacts[*c.LinkedID]
		require.True(t, ok, "secondary %s links to unknown %s", c.ID, *c.LinkedID)
		assert.True(t, parent.IsPrimary(), "secondary %s links to non-primary %s", c.ID, parent.ID)
	}
}

func TestReconcile_NoMatchCreatesPrimary(t *testing.T) {
	engine, store := newMemoryEngine()

	view := identify(t, engine, "a@x.com", "111")

	all := store.All()
	require.Len(t, all, 1)
	assert.Equal(t, models.LinkPrecedencePrimary, all[0].LinkPrecedence)
	assert.Equal(t, &models.ConsolidatedContact{
		PrimaryContactID:    all[0].ID,
		Emails:              []string{"a@x.com"},
		PhoneNumbers:        []string{"111"},
		SecondaryContactIDs: []string{},
	}, view)
}

func TestReconcile_SingleSignal(t *testing.T) {
	engine, store := newMemoryEngine()

	view := identify(t, engine, "", "111")
	assert.Empty(t, view.Emails)
	assert.Equal(t, []string{"111"}, view.PhoneNumbers)

	// a known phone with no email adds nothing
	again := identify(t, engine, "", "111")
	assert.Equal(t, view, again)
	assert.Len(t, store.All(), 1)
}

func TestReconcile_NormalizesSignals(t *testing.T) {
	engine, store := newMemoryEngine()

	first := identify(t, engine, "  John@Example.COM ", " 111 ")
	second := identify(t, engine, "john@example.com", "111")

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"john@example.com"}, first.Emails)
	assert.Len(t, store.All(), 1)
}

func TestReconcile_Idempotent(t *testing.T) {
	engine, store := newMemoryEngine()

	identify(t, engine, "a@x.com", "111")
	identify(t, engine, "a@x.com", "222")
	first := identify(t, engine, "a@x.com", "222")
	count := len(store.All())

	second := identify(t, engine, "a@x.com", "222")

	assert.Equal(t, first, second)
	assert.Len(t, store.All(), count)
}

func TestReconcile_NewSignalCreatesSecondary(t *testing.T) {
	engine, store := newMemoryEngine()

	first := identify(t, engine, "a@x.com", "111")
	view := identify(t, engine, "a@x.com", "222")

	all := store.All()
	require.Len(t, all, 2)
	secondary := all[1]
	assert.Equal(t, models.LinkPrecedenceSecondary, secondary.LinkPrecedence)
	assert.Equal(t, first.PrimaryContactID, *secondary.LinkedID)
	assert.Equal(t, "a@x.com", secondary.EmailValue())
	assert.Equal(t, "222", secondary.PhoneValue())

	assert.Equal(t, first.PrimaryContactID, view.PrimaryContactID)
	assert.Equal(t, []string{"a@x.com"}, view.Emails)
	assert.Equal(t, []string{"111", "222"}, view.PhoneNumbers)
	assert.Equal(t, []string{secondary.ID}, view.SecondaryContactIDs)
}

func TestReconcile_MergeKeepsOlderPrimary(t *testing.T) {
	engine, store := newMemoryEngine()

	older := identify(t, engine, "a@x.com", "111")
	younger := identify(t, engine, "b@x.com", "222")

	view := identify(t, engine, "a@x.com", "222")

	contacts := byID(store)
	require.Len(t, contacts, 2, "a bridging observation with known signals creates nothing")
	demoted := contacts[younger.PrimaryContactID]
	assert.Equal(t, models.LinkPrecedenceSecondary, demoted.LinkPrecedence)
	assert.Equal(t, older.PrimaryContactID, *demoted.LinkedID)

	assert.Equal(t, older.PrimaryContactID, view.PrimaryContactID)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, view.Emails)
	assert.Equal(t, []string{"111", "222"}, view.PhoneNumbers)
	assert.Equal(t, []string{younger.PrimaryContactID}, view.SecondaryContactIDs)
	assertFlat(t, store)
}

func TestReconcile_MergeFlattensAbsorbedCluster(t *testing.T) {
	engine, store := newMemoryEngine()

	a := identify(t, engine, "a@x.com", "111")
	b := identify(t, engine, "b@x.com", "222")
	bWithC := identify(t, engine, "c@x.com", "222")
	require.Equal(t, b.PrimaryContactID, bWithC.PrimaryContactID)
	require.Len(t, bWithC.SecondaryContactIDs, 1)
	c := bWithC.SecondaryContactIDs[0]

	view := identify(t, engine, "a@x.com", "222")

	contacts := byID(store)
	assert.Equal(t, a.PrimaryContactID, *contacts[b.PrimaryContactID].LinkedID)
	assert.Equal(t, a.PrimaryContactID, *contacts[c].LinkedID)
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, view.Emails)
	assert.Equal(t, []string{b.PrimaryContactID, c}, view.SecondaryContactIDs)
	assertFlat(t, store)
}

func TestReconcile_MergeWithNewSignal(t *testing.T) {
	engine, store := newMemoryEngine()

	a := identify(t, engine, "a@x.com", "111")
	identify(t, engine, "b@x.com", "222")

	// email bridges to a, phone bridges to b; nothing new to record
	view := identify(t, engine, "b@x.com", "111")
	assert.Equal(t, a.PrimaryContactID, view.PrimaryContactID)
	assert.Len(t, store.All(), 2)

	// a third, unseen email joins the merged cluster as a secondary
	view = identify(t, engine, "z@x.com", "222")
	assert.Equal(t, a.PrimaryContactID, view.PrimaryContactID)
	assert.Equal(t, []string{"a@x.com", "b@x.com", "z@x.com"}, view.Emails)
	assert.Len(t, store.All(), 3)
	assertFlat(t, store)
}

func TestReconcile_ThreeClusterBridge(t *testing.T) {
	store := contact.NewMemoryStore(contact.WithClock(tickingClock()))
	engine := newEngine(store)

	// legacy data: three clusters sharing signals that were never reconciled
	base := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	a := store.Insert(models.Contact{Email: models.StringPtr("a@x.com"), PhoneNumber: models.StringPtr("111"), LinkPrecedence: models.LinkPrecedencePrimary, CreatedAt: base.Add(2 * time.Hour)})
	b := store.Insert(models.Contact{Email: models.StringPtr("a@x.com"), PhoneNumber: models.StringPtr("222"), LinkPrecedence: models.LinkPrecedencePrimary, CreatedAt: base})
	c := store.Insert(models.Contact{Email: models.StringPtr("c@x.com"), PhoneNumber: models.StringPtr("222"), LinkPrecedence: models.LinkPrecedencePrimary, CreatedAt: base.Add(time.Hour)})
	cChild := store.Insert(models.Contact{Email: models.StringPtr("d@x.com"), PhoneNumber: models.StringPtr("444"), LinkPrecedence: models.LinkPrecedenceSecondary, LinkedID: &c.ID, CreatedAt: base.Add(3 * time.Hour)})

	view := identify(t, engine, "a@x.com", "222")

	assert.Equal(t, b.ID, view.PrimaryContactID, "the oldest anchor wins")
	assert.Equal(t, []string{c.ID, a.ID, cChild.ID}, view.SecondaryContactIDs)
	assert.Equal(t, []string{"a@x.com", "c@x.com", "d@x.com"}, view.Emails)
	assert.Equal(t, []string{"222", "111", "444"}, view.PhoneNumbers)

	contacts := byID(store)
	for _, id := range []string{a.ID, c.ID, cChild.ID} {
		assert.Equal(t, b.ID, *contacts[id].LinkedID)
	}
	assertFlat(t, store)
}

func TestReconcile_CreatedAtTieKeepsLookupOrder(t *testing.T) {
	same := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := contact.NewMemoryStore(contact.WithClock(func() time.Time { return same }))
	engine := newEngine(store)

	first := identify(t, engine, "a@x.com", "111")
	second := identify(t, engine, "b@x.com", "222")

	view := identify(t, engine, "b@x.com", "111")

	assert.Equal(t, first.PrimaryContactID, view.PrimaryContactID)
	assert.Equal(t, []string{second.PrimaryContactID}, view.SecondaryContactIDs)
}

func TestReconcile_DanglingLinkFallsBackToMatchedContact(t *testing.T) {
	store := contact.NewMemoryStore(contact.WithClock(tickingClock()))
	engine := newEngine(store)

	ghost := uuid.New().String()
	orphan := store.Insert(models.Contact{
		Email:          models.StringPtr("a@x.com"),
		PhoneNumber:    models.StringPtr("111"),
		LinkPrecedence: models.LinkPrecedenceSecondary,
		LinkedID:       &ghost,
	})

	view := identify(t, engine, "a@x.com", "111")

	assert.Equal(t, orphan.ID, view.PrimaryContactID)
	assert.Empty(t, view.SecondaryContactIDs)
	assert.Len(t, store.All(), 1)

	repaired := byID(store)[orphan.ID]
	assert.Equal(t, models.LinkPrecedencePrimary, repaired.LinkPrecedence)
	assert.Nil(t, repaired.LinkedID)
}

func TestReconcile_DeletedContactsAreNeverMatched(t *testing.T) {
	store := contact.NewMemoryStore(contact.WithClock(tickingClock()))
	engine := newEngine(store)

	deletedAt := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	deleted := store.Insert(models.Contact{
		Email:          models.StringPtr("a@x.com"),
		PhoneNumber:    models.StringPtr("111"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		DeletedAt:      &deletedAt,
	})

	view := identify(t, engine, "a@x.com", "111")

	assert.NotEqual(t, deleted.ID, view.PrimaryContactID)
	assert.Empty(t, view.SecondaryContactIDs)
	assert.Len(t, store.All(), 2)
}

// countingStore records every call made through it
type countingStore struct {
	reconcile.ContactStore
	calls atomic.Int64
}

func (s *countingStore) FindByEmailOrPhone(ctx context.Context, email, phone string) ([]models.Contact, error) {
	s.calls.Add(1)
	return s.ContactStore.FindByEmailOrPhone(ctx, email, phone)
}

func (s *countingStore) FindByID(ctx context.Context, id string) (*models.Contact, error) {
	s.calls.Add(1)
	return s.ContactStore.FindByID(ctx, id)
}

func (s *countingStore) FindCluster(ctx context.Context, primaryID string) ([]models.Contact, error) {
	s.calls.Add(1)
	return s.ContactStore.FindCluster(ctx, primaryID)
}

func (s *countingStore) Create(ctx context.Context, email, phone string, precedence models.LinkPrecedence, linkedID *string) (*models.Contact, error) {
	s.calls.Add(1)
	return s.ContactStore.Create(ctx, email, phone, precedence, linkedID)
}

func (s *countingStore) UpdatePrecedence(ctx context.Context, id string, precedence models.LinkPrecedence, linkedID *string) error {
	s.calls.Add(1)
	return s.ContactStore.UpdatePrecedence(ctx, id, precedence, linkedID)
}

func (s *countingStore) RelinkCluster(ctx context.Context, from, to string) (int64, error) {
	s.calls.Add(1)
	return s.ContactStore.RelinkCluster(ctx, from, to)
}

func TestReconcile_RejectsEmptyObservation(t *testing.T) {
	tests := []struct {
		name string
		obs  reconcile.Observation
	}{
		{name: "both absent", obs: reconcile.Observation{}},
		{name: "whitespace only", obs: reconcile.Observation{Email: "  ", Phone: "\t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &countingStore{ContactStore: contact.NewMemoryStore()}
			engine := newEngine(store)

			view, err := engine.Reconcile(context.Background(), tt.obs)

			assert.ErrorIs(t, err, reconcile.ErrInvalidInput)
			assert.False(t, errors.Is(err, reconcile.ErrStorage))
			assert.Nil(t, view)
			assert.Zero(t, store.calls.Load())
		})
	}
}

// failingStore fails the named operation
type failingStore struct {
	reconcile.ContactStore
	failOn string
}

var errBoom = errors.New("boom")

func (s *failingStore) FindByEmailOrPhone(ctx context.Context, email, phone string) ([]models.Contact, error) {
	if s.failOn == "find" {
		return nil, errBoom
	}
	return s.ContactStore.FindByEmailOrPhone(ctx, email, phone)
}

func (s *failingStore) Create(ctx context.Context, email, phone string, precedence models.LinkPrecedence, linkedID *string) (*models.Contact, error) {
	if s.failOn == "create" {
		return nil, errBoom
	}
	return s.ContactStore.Create(ctx, email, phone, precedence, linkedID)
}

func (s *failingStore) RelinkCluster(ctx context.Context, from, to string) (int64, error) {
	if s.failOn == "relink" {
		return 0, errBoom
	}
	return s.ContactStore.RelinkCluster(ctx, from, to)
}

func TestReconcile_StorageFailures(t *testing.T) {
	for _, op := range []string{"find", "create", "relink"} {
		t.Run(op, func(t *testing.T) {
			mem := contact.NewMemoryStore(contact.WithClock(tickingClock()))
			store := &failingStore{ContactStore: mem}
			engine := newEngine(store)

			identify(t, engine, "a@x.com", "111")
			identify(t, engine, "b@x.com", "222")
			store.failOn = op

			obs := reconcile.Observation{Email: "a@x.com", Phone: "222"}
			if op == "create" {
				obs = reconcile.Observation{Email: "new@x.com"}
			}

			view, err := engine.Reconcile(context.Background(), obs)

			assert.Nil(t, view)
			assert.ErrorIs(t, err, reconcile.ErrStorage)
			assert.ErrorIs(t, err, errBoom)
			var storageErr *reconcile.StorageError
			assert.ErrorAs(t, err, &storageErr)
		})
	}
}

// vanishingStore reports the contact being demoted as gone, as if another writer deleted
// it between matching and merging
type vanishingStore struct {
	reconcile.ContactStore
}

func (s *vanishingStore) UpdatePrecedence(_ context.Context, id string, _ models.LinkPrecedence, _ *string) error {
	return fmt.Errorf("contact %s: %w", id, reconcile.ErrNotFound)
}

func TestReconcile_MissingContactMidMergeIsStorageError(t *testing.T) {
	mem := contact.NewMemoryStore(contact.WithClock(tickingClock()))
	engine := newEngine(&vanishingStore{ContactStore: mem})
	errorsOf := func(kind string) float64 {
		return testutil.ToFloat64(metrics.ReconcileErrorsTotal.WithLabelValues(kind))
	}

	identify(t, engine, "v1@x.com", "v-111")
	identify(t, engine, "v2@x.com", "v-222")
	storage, notFound := errorsOf("storage"), errorsOf("not_found")

	view, err := engine.Reconcile(context.Background(), reconcile.Observation{Email: "v1@x.com", Phone: "v-222"})

	assert.Nil(t, view)
	assert.ErrorIs(t, err, reconcile.ErrStorage)
	assert.Equal(t, storage+1, errorsOf("storage"))
	assert.Equal(t, notFound, errorsOf("not_found"))
}

// driftingStore hands out a fresh parent on every lookup, as if a merge always landed
// between resolving anchors and locking them
type driftingStore struct {
	reconcile.ContactStore
}

func (s *driftingStore) FindByID(ctx context.Context, id string) (*models.Contact, error) {
	c, err := s.ContactStore.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.ID = uuid.New().String()
	return c, nil
}

func TestReconcile_GivesUpWhenAnchorsKeepMoving(t *testing.T) {
	mem := contact.NewMemoryStore(contact.WithClock(tickingClock()))
	seed := newEngine(mem)
	identify(t, seed, "a@x.com", "111")
	identify(t, seed, "a@x.com", "222")

	opts := reconcile.DefaultOptions()
	opts.MaxAttempts = 2
	engine := reconcile.NewEngine(&driftingStore{ContactStore: mem}, lock.NewLocalLocker(), newTestLogger(), opts)

	_, err := engine.Reconcile(context.Background(), reconcile.Observation{Phone: "222"})

	assert.ErrorIs(t, err, reconcile.ErrConcurrentModification)
	assert.ErrorIs(t, err, reconcile.ErrStorage)
}

// blockingLocker never grants a lock before the context ends
type blockingLocker struct{}

func (blockingLocker) Acquire(ctx context.Context, _ ...string) (func(context.Context) error, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestReconcile_TimeoutBoundsLockWait(t *testing.T) {
	opts := reconcile.DefaultOptions()
	opts.Timeout = 20 * time.Millisecond
	engine := reconcile.NewEngine(contact.NewMemoryStore(), blockingLocker{}, newTestLogger(), opts)

	_, err := engine.Reconcile(context.Background(), reconcile.Observation{Email: "a@x.com"})

	assert.ErrorIs(t, err, reconcile.ErrStorage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// txStore records how often the engine asked for a transaction
type txStore struct {
	reconcile.ContactStore
	txs atomic.Int64
}

func (s *txStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txs.Add(1)
	return fn(ctx)
}

func TestReconcile_RunsInsideTransaction(t *testing.T) {
	store := &txStore{ContactStore: contact.NewMemoryStore()}
	engine := newEngine(store)

	identify(t, engine, "a@x.com", "111")
	identify(t, engine, "a@x.com", "222")

	assert.Equal(t, int64(2), store.txs.Load())
}

func TestReconcile_ConcurrentFirstObservationsCreateOnePrimary(t *testing.T) {
	engine, store := newMemoryEngine()

	const workers = 16
	views := make([]*models.ConsolidatedContact, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			view, err := engine.Reconcile(context.Background(), reconcile.Observation{Email: "a@x.com", Phone: "111"})
			if assert.NoError(t, err) {
				views[i] = view
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, store.All(), 1)
	for _, view := range views {
		require.NotNil(t, view)
		assert.Equal(t, views[0], view)
	}
}

func TestReconcile_ConcurrentBridgingKeepsInvariants(t *testing.T) {
	engine, store := newMemoryEngine()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obs := reconcile.Observation{
				Email: fmt.Sprintf("user%d@x.com", i%7),
				Phone: fmt.Sprintf("555-%d", i%5),
			}
			_, err := engine.Reconcile(context.Background(), obs)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assertFlat(t, store)

	// every email and phone ends up in one cluster, so exactly one primary survives
	primaries := 0
	for _, c := range store.All() {
		if c.IsPrimary() {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)

	view := identify(t, engine, "user0@x.com", "")
	assert.Len(t, view.Emails, 7)
	assert.Len(t, view.PhoneNumbers, 5)
}

func TestReconcile_CustomPhoneNormalizer(t *testing.T) {
	opts := reconcile.DefaultOptions()
	opts.PhoneNormalizer = func(s string) string {
		out := make([]rune, 0, len(s))
		for _, r := range s {
			if r >= '0' && r <= '9' {
				out = append(out, r)
			}
		}
		return string(out)
	}
	store := contact.NewMemoryStore(contact.WithClock(tickingClock()))
	engine := reconcile.NewEngine(store, lock.NewLocalLocker(), newTestLogger(), opts)

	first := identify(t, engine, "", "+1 (555) 0100")
	second := identify(t, engine, "", "15550100")

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"15550100"}, second.PhoneNumbers)
}

func TestReconcile_RecordsOutcomeMetrics(t *testing.T) {
	engine, _ := newMemoryEngine()
	counter := func(outcome string) float64 {
		return testutil.ToFloat64(metrics.ReconcileTotal.WithLabelValues(outcome))
	}

	created := counter(metrics.OutcomeCreatedPrimary)
	secondary := counter(metrics.OutcomeCreatedSecondary)
	merged := counter(metrics.OutcomeMerged)
	matched := counter(metrics.OutcomeMatched)
	absorbed := testutil.ToFloat64(metrics.ReconcileMergedClusters)

	identify(t, engine, "m1@x.com", "m-111")
	identify(t, engine, "m2@x.com", "m-222")
	identify(t, engine, "m1@x.com", "m-333")
	identify(t, engine, "m1@x.com", "m-222")
	identify(t, engine, "m1@x.com", "m-222")

	assert.Equal(t, created+2, counter(metrics.OutcomeCreatedPrimary))
	assert.Equal(t, secondary+1, counter(metrics.OutcomeCreatedSecondary))
	assert.Equal(t, merged+1, counter(metrics.OutcomeMerged))
	assert.Equal(t, matched+1, counter(metrics.OutcomeMatched))
	assert.Equal(t, absorbed+1, testutil.ToFloat64(metrics.ReconcileMergedClusters))
}

func TestLookup(t *testing.T) {
	engine, _ := newMemoryEngine()

	identify(t, engine, "a@x.com", "111")
	view := identify(t, engine, "a@x.com", "222")
	require.Len(t, view.SecondaryContactIDs, 1)

	byPrimary, err := engine.Lookup(context.Background(), view.PrimaryContactID)
	require.NoError(t, err)
	bySecondary, err := engine.Lookup(context.Background(), view.SecondaryContactIDs[0])
	require.NoError(t, err)

	assert.Equal(t, view, byPrimary)
	assert.Equal(t, view, bySecondary)

	_, err = engine.Lookup(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, reconcile.ErrNotFound)
}
