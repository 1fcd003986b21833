package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/redstone/orderflow/internal/cache"
	"github.com/redstone/orderflow/internal/event"
	"github.com/redstone/orderflow/internal/fault"
	"github.com/redstone/orderflow/internal/idempotency"
)

// Service implements the inventory ledger operations.
type Service struct {
	log               *zap.Logger
	repo              Repository
	cache             cache.Store
	cacheTTL          time.Duration
	versionRetries    uint64
	reservedTopic     string
	insufficientTopic string
}

type ServiceConfig struct {
	CacheTTL          time.Duration
	VersionRetries    uint64
	ReservedTopic     string
	InsufficientTopic string
}

func NewService(log *zap.Logger, repo Repository, c cache.Store, cfg ServiceConfig) *Service {
	return &Service{
		log:               log,
		repo:              repo,
		cache:             c,
		cacheTTL:          cfg.CacheTTL,
		versionRetries:    cfg.VersionRetries,
		reservedTopic:     cfg.ReservedTopic,
		insufficientTopic: cfg.InsufficientTopic,
	}
}

// CheckAvailability is the read-only pre-check used by the order
// coordinator. It never mutates stock and is served through the cache, so a
// positive answer is an optimization, not a reservation.
func (s *Service) CheckAvailability(ctx context.Context, productID string, quantity int64) (int64, bool, error) {
	if quantity <= 0 {
		return 0, false, fmt.Errorf("%w: quantity must be positive", fault.ErrValidation)
	}
	rec, err := s.CachedRecord(ctx, productID)
	if err != nil {
		return 0, false, err
	}
	return rec.Available(), rec.Available() >= quantity, nil
}

// CachedRecord reads a stock record through the cache.
func (s *Service) CachedRecord(ctx context.Context, productID string) (*Record, error) {
	b, err := cache.ReadThrough(ctx, s.cache, cache.InventoryKey(productID), s.cacheTTL,
		func(ctx context.Context) ([]byte, error) {
			rec, err := s.repo.Record(ctx, productID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(rec)
		})
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode cached record %s: %w", productID, err)
	}
	return &rec, nil
}

// Reserve applies an order.created event: all of the order's items are
// reserved together or none are, version conflicts are retried with backoff,
// and replays of the same event id are absorbed by the idempotency record
// written in the same transaction as the stock mutation.
func (s *Service) Reserve(ctx context.Context, env event.Envelope) error {
	var p event.OrderCreated
	if err := env.Decode(&p); err != nil {
		// The order id still rides on the aggregate id, so the order can be
		// resolved instead of hanging until the watchdog fires.
		s.log.Error("malformed order.created payload", zap.String("event_id", env.EventID), zap.Error(err))
		return s.reject(ctx, env, env.AggregateID, "malformed payload")
	}
	if reason := validateItems(p.Items); reason != "" {
		return s.reject(ctx, env, p.OrderID, reason)
	}

	wanted := mergeQuantities(p.Items)
	op := func() error {
		err := s.tryReserve(ctx, env, p, wanted)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, idempotency.ErrDuplicate):
			s.log.Debug("duplicate order.created absorbed",
				zap.String("event_id", env.EventID), zap.String("order_id", p.OrderID))
			return nil
		case errors.Is(err, fault.ErrVersionConflict):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	if err := s.retry(ctx, op); err != nil {
		return fmt.Errorf("reserve for order %s: %w", p.OrderID, err)
	}
	s.invalidate(ctx, wanted)
	return nil
}

func (s *Service) tryReserve(ctx context.Context, env event.Envelope, p event.OrderCreated, wanted map[string]int64) error {
	updates := make([]StockUpdate, 0, len(wanted))
	for _, productID := range sortedKeys(wanted) {
		rec, err := s.repo.Record(ctx, productID)
		if errors.Is(err, fault.ErrNotFound) {
			return s.reject(ctx, env, p.OrderID, "unknown product "+productID)
		}
		if err != nil {
			return err
		}
		if rec.Available() < wanted[productID] {
			return s.reject(ctx, env, p.OrderID, "insufficient stock for "+productID)
		}
		updates = append(updates, StockUpdate{
			ProductID:       productID,
			ReservedDelta:   wanted[productID],
			ExpectedVersion: rec.Version,
		})
	}

	out, err := event.New(event.TypeInventoryReserved, p.OrderID, env.EventID,
		event.InventoryReserved{OrderID: p.OrderID})
	if err != nil {
		return err
	}
	if err := s.repo.ApplyReservation(ctx, env.EventID, p.OrderID, updates, p.Items, out, s.reservedTopic); err != nil {
		return err
	}
	s.log.Info("inventory reserved",
		zap.String("order_id", p.OrderID), zap.String("event_id", env.EventID))
	return nil
}

// reject records the insufficient outcome without mutating stock.
func (s *Service) reject(ctx context.Context, env event.Envelope, orderID, reason string) error {
	out, err := event.New(event.TypeInventoryInsufficient, orderID, env.EventID,
		event.InventoryInsufficient{OrderID: orderID, Reason: reason})
	if err != nil {
		return err
	}
	err = s.repo.RecordInsufficient(ctx, env.EventID, out, s.insufficientTopic)
	if errors.Is(err, idempotency.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Info("reservation rejected",
		zap.String("order_id", orderID), zap.String("reason", reason))
	return nil
}

// Release reverses the RESERVED reservations held by an order. Safe to call
// any number of times: already-released reservations contribute nothing.
func (s *Service) Release(ctx context.Context, env event.Envelope) error {
	var p event.OrderCancelled
	if err := env.Decode(&p); err != nil {
		s.log.Error("malformed order.cancelled payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	orderID := p.OrderID
	if orderID == "" {
		orderID = env.AggregateID
	}

	var touched map[string]int64
	op := func() error {
		reservations, err := s.repo.Reservations(ctx, orderID)
		if err != nil {
			return backoff.Permanent(err)
		}
		held := make(map[string]int64)
		for _, r := range reservations {
			if r.Status == ReservationReserved {
				held[r.ProductID] += r.Quantity
			}
		}
		updates := make([]StockUpdate, 0, len(held))
		for _, productID := range sortedKeys(held) {
			rec, err := s.repo.Record(ctx, productID)
			if err != nil {
				return backoff.Permanent(err)
			}
			updates = append(updates, StockUpdate{
				ProductID:       productID,
				ReservedDelta:   -held[productID],
				ExpectedVersion: rec.Version,
			})
		}
		err = s.repo.ApplyRelease(ctx, env.EventID, orderID, updates)
		switch {
		case err == nil:
			touched = held
			return nil
		case errors.Is(err, idempotency.ErrDuplicate):
			return nil
		case errors.Is(err, fault.ErrVersionConflict):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	if err := s.retry(ctx, op); err != nil {
		return fmt.Errorf("release for order %s: %w", orderID, err)
	}
	if len(touched) > 0 {
		s.invalidate(ctx, touched)
		s.log.Info("reservation released",
			zap.String("order_id", orderID), zap.String("event_id", env.EventID))
	}
	return nil
}

func (s *Service) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.versionRetries), ctx)
	err := backoff.Retry(op, policy)
	if errors.Is(err, fault.ErrVersionConflict) {
		return fmt.Errorf("%w: retries exhausted: %s", fault.ErrTransient, err)
	}
	return err
}

func (s *Service) invalidate(ctx context.Context, products map[string]int64) {
	keys := make([]string, 0, len(products))
	for productID := range products {
		keys = append(keys, cache.InventoryKey(productID))
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.log.Warn("cache invalidation failed", zap.Error(err))
	}
}

func validateItems(items []event.Item) string {
	if len(items) == 0 {
		return "empty item list"
	}
	for _, it := range items {
		if it.Quantity <= 0 {
			return "non-positive quantity for " + it.ProductID
		}
	}
	return ""
}

func mergeQuantities(items []event.Item) map[string]int64 {
	out := make(map[string]int64, len(items))
	for _, it := range items {
		out[it.ProductID] += it.Quantity
	}
	return out
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
