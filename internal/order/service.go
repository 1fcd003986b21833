package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/redstone/orderflow/internal/cache"
	"github.com/redstone/orderflow/internal/event"
	"github.com/redstone/orderflow/internal/fault"
	"github.com/redstone/orderflow/internal/idempotency"
)

// Service is the order coordinator.
type Service struct {
	log            *zap.Logger
	repo           Repository
	stock          StockChecker
	cache          cache.Store
	cacheTTL       time.Duration
	versionRetries uint64
	topicFor       func(eventType string) string
	now            func() time.Time
}

type ServiceConfig struct {
	CacheTTL       time.Duration
	VersionRetries uint64
	// TopicFor maps an event type to its broker topic. Nil means the topic
	// is named after the type.
	TopicFor func(eventType string) string
}

func NewService(log *zap.Logger, repo Repository, stock StockChecker, c cache.Store, cfg ServiceConfig) *Service {
	topicFor := cfg.TopicFor
	if topicFor == nil {
		topicFor = func(eventType string) string { return eventType }
	}
	return &Service{
		log:            log,
		repo:           repo,
		stock:          stock,
		cache:          c,
		cacheTTL:       cfg.CacheTTL,
		versionRetries: cfg.VersionRetries,
		topicFor:       topicFor,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// PlaceOrder validates the request, runs the optimistic stock pre-check, and
// persists the order as PENDING together with its order.created outbox row.
// The returned order is PENDING; the final status arrives asynchronously.
func (s *Service) PlaceOrder(ctx context.Context, customerID string, items []Item) (*Order, error) {
	if err := validate(customerID, items); err != nil {
		return nil, err
	}

	// Best-effort fail-fast. Stock can still change before the asynchronous
	// reservation, and an unreachable ledger must not block placement.
	for _, it := range items {
		ok, err := s.stock.Available(ctx, it.ProductID, it.Quantity)
		if err != nil {
			s.log.Warn("stock pre-check unavailable, proceeding",
				zap.String("product_id", it.ProductID), zap.Error(err))
			continue
		}
		if !ok {
			return nil, fmt.Errorf("%w: product %s", fault.ErrInsufficientStock, it.ProductID)
		}
	}

	now := s.now()
	o := &Order{
		ID:         "ord_" + uuid.NewString(),
		CustomerID: customerID,
		Items:      items,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	env, err := event.New(event.TypeOrderCreated, o.ID, "", event.OrderCreated{
		OrderID:    o.ID,
		CustomerID: customerID,
		Items:      eventItems(items),
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreatePending(ctx, o, env, s.topicFor(event.TypeOrderCreated)); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	s.log.Info("order placed", zap.String("order_id", o.ID), zap.String("event_id", env.EventID))
	return o, nil
}

// GetOrder reads an order snapshot through the cache.
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	b, err := cache.ReadThrough(ctx, s.cache, cache.OrderKey(id), s.cacheTTL,
		func(ctx context.Context) ([]byte, error) {
			o, err := s.repo.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			return json.Marshal(o)
		})
	if err != nil {
		return nil, err
	}
	var o Order
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("decode cached order %s: %w", id, err)
	}
	return &o, nil
}

// HandleInventoryOutcome consumes inventory.reserved and
// inventory.insufficient. Terminal orders absorb the event; the one
// exception is a reservation that lands after the watchdog cancelled the
// order, which is reconciled with a compensating release.
func (s *Service) HandleInventoryOutcome(ctx context.Context, env event.Envelope) error {
	orderID, reason, err := decodeOutcome(env)
	if err != nil {
		s.log.Error("malformed inventory outcome ignored",
			zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	op := func() error {
		err := s.applyOutcome(ctx, env, orderID, reason)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, idempotency.ErrDuplicate):
			s.log.Debug("duplicate inventory outcome absorbed",
				zap.String("event_id", env.EventID), zap.String("order_id", orderID))
			return nil
		case errors.Is(err, fault.ErrVersionConflict):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	if err := s.retry(ctx, op); err != nil {
		return fmt.Errorf("handle %s for order %s: %w", env.Type, orderID, err)
	}
	s.invalidate(ctx, orderID)
	return nil
}

func (s *Service) applyOutcome(ctx context.Context, env event.Envelope, orderID, reason string) error {
	o, err := s.repo.Get(ctx, orderID)
	if errors.Is(err, fault.ErrNotFound) {
		// An outcome for an order this coordinator never wrote. Record it so
		// redelivery stops, and leave a trail for reconciliation.
		s.log.Error("inventory outcome for unknown order",
			zap.String("order_id", orderID), zap.String("event_id", env.EventID))
		return s.repo.MarkApplied(ctx, env.EventID, "orphaned", nil, s.topicFor)
	}
	if err != nil {
		return err
	}

	if o.Status.Terminal() {
		if env.Type == event.TypeInventoryReserved && o.Status == StatusCancelled {
			// The watchdog won the race. The reservation is real, so it has
			// to be unwound at the ledger.
			comp, err := event.New(event.TypeOrderCancelled, orderID, env.EventID, event.OrderCancelled{
				OrderID: orderID,
				Reason:  "reservation arrived after cancellation",
				Release: true,
			})
			if err != nil {
				return err
			}
			s.log.Warn("late reservation, requesting release",
				zap.String("order_id", orderID), zap.String("event_id", env.EventID))
			return s.repo.MarkApplied(ctx, env.EventID, idempotency.OutcomeCompensated, []event.Envelope{comp}, s.topicFor)
		}
		return s.repo.MarkApplied(ctx, env.EventID, idempotency.OutcomeDuplicate, nil, s.topicFor)
	}

	var t Transition
	switch env.Type {
	case event.TypeInventoryReserved:
		confirmed, err := event.New(event.TypeOrderConfirmed, orderID, env.EventID,
			event.OrderConfirmed{OrderID: orderID})
		if err != nil {
			return err
		}
		t = Transition{
			OrderID:         orderID,
			From:            StatusPending,
			To:              StatusConfirmed,
			ExpectedVersion: o.Version,
			EventID:         env.EventID,
			Outcome:         idempotency.OutcomeConfirmed,
			Emit:            []event.Envelope{confirmed},
		}
	case event.TypeInventoryInsufficient:
		cancelled, err := event.New(event.TypeOrderCancelled, orderID, env.EventID,
			event.OrderCancelled{OrderID: orderID, Reason: reason, Release: false})
		if err != nil {
			return err
		}
		t = Transition{
			OrderID:         orderID,
			From:            StatusPending,
			To:              StatusRejected,
			ExpectedVersion: o.Version,
			EventID:         env.EventID,
			Outcome:         idempotency.OutcomeRejected,
			Emit:            []event.Envelope{cancelled},
		}
	default:
		s.log.Warn("unexpected event type on outcome stream", zap.String("type", env.Type))
		return nil
	}

	if err := s.repo.Transition(ctx, t, s.topicFor); err != nil {
		return err
	}
	s.log.Info("order transitioned",
		zap.String("order_id", orderID),
		zap.String("status", string(t.To)),
		zap.String("event_id", env.EventID))
	return nil
}

// CancelStale cancels PENDING orders older than the timeout and requests a
// release for any reservation that may already exist. A concurrent outcome
// wins through the version check and the terminal-state guard.
func (s *Service) CancelStale(ctx context.Context, timeout time.Duration, limit int) (int, error) {
	stale, err := s.repo.PendingBefore(ctx, s.now().Add(-timeout), limit)
	if err != nil {
		return 0, fmt.Errorf("scan pending orders: %w", err)
	}

	cancelled := 0
	for _, o := range stale {
		env, err := event.New(event.TypeOrderCancelled, o.ID, "", event.OrderCancelled{
			OrderID: o.ID,
			Reason:  "reservation timeout",
			Release: true,
		})
		if err != nil {
			return cancelled, err
		}
		t := Transition{
			OrderID:         o.ID,
			From:            StatusPending,
			To:              StatusCancelled,
			ExpectedVersion: o.Version,
			EventID:         env.EventID,
			Outcome:         idempotency.OutcomeCancelled,
			Emit:            []event.Envelope{env},
		}
		err = s.repo.Transition(ctx, t, s.topicFor)
		if errors.Is(err, fault.ErrVersionConflict) || errors.Is(err, idempotency.ErrDuplicate) {
			// The inventory outcome arrived between the scan and here.
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled++
		s.invalidate(ctx, o.ID)
		s.log.Warn("pending order cancelled by watchdog",
			zap.String("order_id", o.ID),
			zap.Duration("timeout", timeout))
	}
	return cancelled, nil
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

func (s *Service) invalidate(ctx context.Context, orderID string) {
	if err := s.cache.Invalidate(ctx, cache.OrderKey(orderID)); err != nil {
		s.log.Warn("cache invalidation failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

func validate(customerID string, items []Item) error {
	if customerID == "" {
		return fmt.Errorf("%w: customer id required", fault.ErrValidation)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one item required", fault.ErrValidation)
	}
	for _, it := range items {
		if it.ProductID == "" {
			return fmt.Errorf("%w: product id required", fault.ErrValidation)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive for %s", fault.ErrValidation, it.ProductID)
		}
		if it.UnitPrice < 0 {
			return fmt.Errorf("%w: negative unit price for %s", fault.ErrValidation, it.ProductID)
		}
	}
	return nil
}

func decodeOutcome(env event.Envelope) (orderID, reason string, err error) {
	switch env.Type {
	case event.TypeInventoryReserved:
		var p event.InventoryReserved
		if err := env.Decode(&p); err != nil {
			return "", "", err
		}
		orderID = p.OrderID
	case event.TypeInventoryInsufficient:
		var p event.InventoryInsufficient
		if err := env.Decode(&p); err != nil {
			return "", "", err
		}
		orderID, reason = p.OrderID, p.Reason
	}
	if orderID == "" {
		orderID = env.AggregateID
	}
	if orderID == "" {
		return "", "", fmt.Errorf("event %s carries no order id", env.EventID)
	}
	return orderID, reason, nil
}

func eventItems(items []Item) []event.Item {
	out := make([]event.Item, len(items))
	for i, it := range items {
		out[i] = event.Item{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	return out
}
