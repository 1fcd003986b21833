package inventory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redstone/orderflow/internal/event"
	"github.com/redstone/orderflow/internal/fault"
	"github.com/redstone/orderflow/internal/idempotency"
)

type published struct {
	topic string
	env   event.Envelope
}

// memRepo mirrors the postgres repository's transactional guarantees in
// memory: duplicate event ids and stale versions abort without mutating.
type memRepo struct {
	mu           sync.Mutex
	records      map[string]*Record
	reservations []Reservation
	applied      map[string]string
	emitted      []published
	recordCalls  int

	// conflictsLeft forces ErrVersionConflict on the next N applies.
	conflictsLeft int
}

func newMemRepo(stock map[string]int64) *memRepo {
	records := make(map[string]*Record, len(stock))
	for id, onHand := range stock {
		records[id] = &Record{ProductID: id, OnHand: onHand}
	}
	return &memRepo{records: records, applied: make(map[string]string)}
}

func (m *memRepo) Record(ctx context.Context, productID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordCalls++
	rec, ok := m.records[productID]
	if !ok {
		return nil, fault.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRepo) Reservations(ctx context.Context, orderID string) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reservation
	for _, r := range m.reservations {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) ApplyReservation(ctx context.Context, eventID, orderID string, updates []StockUpdate, items []event.Item, env event.Envelope, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.applied[eventID]; ok {
		return idempotency.ErrDuplicate
	}
	if err := m.checkVersions(updates); err != nil {
		return err
	}
	for _, u := range updates {
		m.records[u.ProductID].Reserved += u.ReservedDelta
		m.records[u.ProductID].Version++
	}
	for _, it := range items {
		m.reservations = append(m.reservations, Reservation{
			OrderID: orderID, ProductID: it.ProductID, Quantity: it.Quantity, Status: ReservationReserved,
		})
	}
	m.applied[eventID] = idempotency.OutcomeReserved
	m.emitted = append(m.emitted, published{topic, env})
	return nil
}

func (m *memRepo) RecordInsufficient(ctx context.Context, eventID string, env event.Envelope, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.applied[eventID]; ok {
		return idempotency.ErrDuplicate
	}
	m.applied[eventID] = idempotency.OutcomeInsufficient
	m.emitted = append(m.emitted, published{topic, env})
	return nil
}

func (m *memRepo) ApplyRelease(ctx context.Context, eventID, orderID string, updates []StockUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.applied[eventID]; ok {
		return idempotency.ErrDuplicate
	}
	if err := m.checkVersions(updates); err != nil {
		return err
	}
	for _, u := range updates {
		m.records[u.ProductID].Reserved += u.ReservedDelta
		m.records[u.ProductID].Version++
	}
	for i := range m.reservations {
		if m.reservations[i].OrderID == orderID && m.reservations[i].Status == ReservationReserved {
			m.reservations[i].Status = ReservationReleased
		}
	}
	m.applied[eventID] = idempotency.OutcomeReleased
	return nil
}

func (m *memRepo) checkVersions(updates []StockUpdate) error {
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return fault.ErrVersionConflict
	}
	for _, u := range updates {
		if m.records[u.ProductID].Version != u.ExpectedVersion {
			return fault.ErrVersionConflict
		}
	}
	return nil
}

func (m *memRepo) record(t *testing.T, productID string) Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[productID]
	require.True(t, ok, "missing record %s", productID)
	return *rec
}

type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemCache() *memCache { return &memCache{entries: make(map[string][]byte)} }

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[key]
	return b, ok, nil
}

func (c *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memCache) Invalidate(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func newTestService(repo Repository) *Service {
	return NewService(zap.NewNop(), repo, newMemCache(), ServiceConfig{
		CacheTTL:          time.Minute,
		VersionRetries:    3,
		ReservedTopic:     event.TypeInventoryReserved,
		InsufficientTopic: event.TypeInventoryInsufficient,
	})
}

func orderCreated(t *testing.T, orderID string, items ...event.Item) event.Envelope {
	t.Helper()
	env, err := event.New(event.TypeOrderCreated, orderID, "", event.OrderCreated{
		OrderID: orderID, CustomerID: "cust-1", Items: items,
	})
	require.NoError(t, err)
	return env
}

func cancelledEnv(t *testing.T, orderID string) event.Envelope {
	t.Helper()
	env, err := event.New(event.TypeOrderCancelled, orderID, "", event.OrderCancelled{
		OrderID: orderID, Reason: "reservation timeout", Release: true,
	})
	require.NoError(t, err)
	return env
}

func TestCheckAvailability_RejectsNonPositiveQuantity(t *testing.T) {
	svc := newTestService(newMemRepo(map[string]int64{"PRD-1": 5}))

	_, _, err := svc.CheckAvailability(context.Background(), "PRD-1", 0)
	require.ErrorIs(t, err, fault.ErrValidation)

	_, _, err = svc.CheckAvailability(context.Background(), "PRD-1", -2)
	require.ErrorIs(t, err, fault.ErrValidation)
}

func TestCheckAvailability_ServesSecondReadFromCache(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5})
	svc := newTestService(repo)

	available, ok, err := svc.CheckAvailability(context.Background(), "PRD-1", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 5, available)

	_, _, err = svc.CheckAvailability(context.Background(), "PRD-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.recordCalls, "second read should hit the cache")
}

func TestReserve_HoldsStockAndEmitsReserved(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5})
	svc := newTestService(repo)

	env := orderCreated(t, "ord-1", event.Item{ProductID: "PRD-1", Quantity: 2})
	require.NoError(t, svc.Reserve(context.Background(), env))

	rec := repo.record(t, "PRD-1")
	assert.EqualValues(t, 5, rec.OnHand, "reservation must not touch on-hand stock")
	assert.EqualValues(t, 2, rec.Reserved)
	assert.EqualValues(t, 3, rec.Available())

	require.Len(t, repo.emitted, 1)
	assert.Equal(t, event.TypeInventoryReserved, repo.emitted[0].env.Type)
	assert.Equal(t, env.EventID, repo.emitted[0].env.CausationID)
	assert.Equal(t, "ord-1", repo.emitted[0].env.AggregateID)
}

func TestReserve_ReplayDecrementsExactlyOnce(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5})
	svc := newTestService(repo)

	env := orderCreated(t, "ord-1", event.Item{ProductID: "PRD-1", Quantity: 2})
	for i := 0; i < 4; i++ {
		require.NoError(t, svc.Reserve(context.Background(), env))
	}

	rec := repo.record(t, "PRD-1")
	assert.EqualValues(t, 2, rec.Reserved)
	assert.Len(t, repo.emitted, 1, "replays must not re-emit")
}

func TestReserve_InsufficientLeavesStockUntouched(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5})
	svc := newTestService(repo)

	env := orderCreated(t, "ord-1", event.Item{ProductID: "PRD-1", Quantity: 6})
	require.NoError(t, svc.Reserve(context.Background(), env))

	rec := repo.record(t, "PRD-1")
	assert.EqualValues(t, 0, rec.Reserved)
	assert.EqualValues(t, 5, rec.OnHand)

	require.Len(t, repo.emitted, 1)
	assert.Equal(t, event.TypeInventoryInsufficient, repo.emitted[0].env.Type)
	var p event.InventoryInsufficient
	require.NoError(t, json.Unmarshal(repo.emitted[0].env.Payload, &p))
	assert.Equal(t, "ord-1", p.OrderID)
	assert.Contains(t, p.Reason, "PRD-1")
}

func TestReserve_SecondOrderRejectedWhenStockExhausted(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5})
	svc := newTestService(repo)

	first := orderCreated(t, "ord-1", event.Item{ProductID: "PRD-1", Quantity: 5})
	require.NoError(t, svc.Reserve(context.Background(), first))

	second := orderCreated(t, "ord-2", event.Item{ProductID: "PRD-1", Quantity: 1})
	require.NoError(t, svc.Reserve(context.Background(), second))

	rec := repo.record(t, "PRD-1")
	assert.EqualValues(t, 5, rec.OnHand)
	assert.EqualValues(t, 5, rec.Reserved)
	assert.EqualValues(t, 0, rec.Available())

	require.Len(t, repo.emitted, 2)
	assert.Equal(t, event.TypeInventoryReserved, repo.emitted[0].env.Type)
	assert.Equal(t, event.TypeInventoryInsufficient, repo.emitted[1].env.Type)
}

func TestReserve_AllOrNothingAcrossItems(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5, "PRD-2": 1})
	svc := newTestService(repo)

	env := orderCreated(t, "ord-1",
		event.Item{ProductID: "PRD-1", Quantity: 2},
		event.Item{ProductID: "PRD-2", Quantity: 3},
	)
	require.NoError(t, svc.Reserve(context.Background(), env))

	assert.EqualValues(t, 0, repo.record(t, "PRD-1").Reserved, "partial reservation must not apply")
	assert.EqualValues(t, 0, repo.record(t, "PRD-2").Reserved)
	require.Len(t, repo.emitted, 1)
	assert.Equal(t, event.TypeInventoryInsufficient, repo.emitted[0].env.Type)
}

func TestReserve_RetriesVersionConflict(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5})
	repo.conflictsLeft = 2
	svc := newTestService(repo)

	env := orderCreated(t, "ord-1", event.Item{ProductID: "PRD-1", Quantity: 1})
	require.NoError(t, svc.Reserve(context.Background(), env))
	assert.EqualValues(t, 1, repo.record(t, "PRD-1").Reserved)
}

func TestReserve_SurfacesTransientAfterRetryBudget(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5})
	repo.conflictsLeft = 100
	svc := newTestService(repo)

	env := orderCreated(t, "ord-1", event.Item{ProductID: "PRD-1", Quantity: 1})
	err := svc.Reserve(context.Background(), env)
	require.ErrorIs(t, err, fault.ErrTransient)
	assert.EqualValues(t, 0, repo.record(t, "PRD-1").Reserved)
}

func TestReserve_ZeroQuantityRejected(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5})
	svc := newTestService(repo)

	env := orderCreated(t, "ord-1", event.Item{ProductID: "PRD-1", Quantity: 0})
	require.NoError(t, svc.Reserve(context.Background(), env))

	assert.EqualValues(t, 0, repo.record(t, "PRD-1").Reserved)
	require.Len(t, repo.emitted, 1)
	assert.Equal(t, event.TypeInventoryInsufficient, repo.emitted[0].env.Type)
}

func TestReserve_UnknownProductRejected(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5})
	svc := newTestService(repo)

	env := orderCreated(t, "ord-1", event.Item{ProductID: "PRD-404", Quantity: 1})
	require.NoError(t, svc.Reserve(context.Background(), env))

	require.Len(t, repo.emitted, 1)
	assert.Equal(t, event.TypeInventoryInsufficient, repo.emitted[0].env.Type)
}

func TestRelease_RestoresAvailability(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5})
	svc := newTestService(repo)

	require.NoError(t, svc.Reserve(context.Background(),
		orderCreated(t, "ord-1", event.Item{ProductID: "PRD-1", Quantity: 2})))
	require.EqualValues(t, 3, repo.record(t, "PRD-1").Available())

	require.NoError(t, svc.Release(context.Background(), cancelledEnv(t, "ord-1")))

	rec := repo.record(t, "PRD-1")
	assert.EqualValues(t, 0, rec.Reserved)
	assert.EqualValues(t, 5, rec.Available())
	for _, r := range repo.reservations {
		assert.Equal(t, ReservationReleased, r.Status)
	}
}

func TestRelease_IdempotentAcrossDistinctEventIDs(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5})
	svc := newTestService(repo)

	require.NoError(t, svc.Reserve(context.Background(),
		orderCreated(t, "ord-1", event.Item{ProductID: "PRD-1", Quantity: 2})))

	// The watchdog cancellation and a later compensation request carry
	// different event ids; the reservation status guard absorbs the second.
	require.NoError(t, svc.Release(context.Background(), cancelledEnv(t, "ord-1")))
	require.NoError(t, svc.Release(context.Background(), cancelledEnv(t, "ord-1")))

	rec := repo.record(t, "PRD-1")
	assert.EqualValues(t, 0, rec.Reserved)
	assert.EqualValues(t, 5, rec.Available())
}

func TestRelease_NoReservationIsNoop(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5})
	svc := newTestService(repo)

	require.NoError(t, svc.Release(context.Background(), cancelledEnv(t, "ord-unknown")))
	rec := repo.record(t, "PRD-1")
	assert.EqualValues(t, 0, rec.Reserved)
	assert.EqualValues(t, 0, rec.Version)
}

func TestHandleOrderCancelled_IgnoresNonReleaseCancellations(t *testing.T) {
	repo := newMemRepo(map[string]int64{"PRD-1": 5})
	svc := newTestService(repo)

	require.NoError(t, svc.Reserve(context.Background(),
		orderCreated(t, "ord-1", event.Item{ProductID: "PRD-1", Quantity: 2})))

	env, err := event.New(event.TypeOrderCancelled, "ord-1", "", event.OrderCancelled{
		OrderID: "ord-1", Reason: "insufficient stock", Release: false,
	})
	require.NoError(t, err)
	require.NoError(t, svc.HandleOrderCancelled(context.Background(), env))

	assert.EqualValues(t, 2, repo.record(t, "PRD-1").Reserved, "non-release cancellation must not touch stock")
}
