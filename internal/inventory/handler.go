package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/redstone/orderflow/internal/event"
	"github.com/redstone/orderflow/internal/fault"
)

// HandleOrderCreated adapts the service to the bus runner for the
// order.created topic.
func (s *Service) HandleOrderCreated(ctx context.Context, env event.Envelope) error {
	if env.Type != event.TypeOrderCreated {
		return nil
	}
	return s.Reserve(ctx, env)
}

// HandleOrderCancelled reacts to cancellations that require a compensating
// release. Cancellations without the release marker carry no stock effect.
func (s *Service) HandleOrderCancelled(ctx context.Context, env event.Envelope) error {
	if env.Type != event.TypeOrderCancelled {
		return nil
	}
	var p event.OrderCancelled
	if err := env.Decode(&p); err != nil {
		s.log.Warn("undecodable order.cancelled ignored", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	if !p.Release {
		return nil
	}
	return s.Release(ctx, env)
}

// NewRouter exposes the ledger's synchronous read path.
func NewRouter(svc *Service) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/v1/inventory/{productID}", svc.getRecordHandler)
	r.Get("/v1/inventory/{productID}/availability", svc.availabilityHandler)
	return r
}

func (s *Service) getRecordHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.CachedRecord(r.Context(), chi.URLParam(r, "productID"))
	if errors.Is(err, fault.ErrNotFound) {
		http.Error(w, "product not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) availabilityHandler(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	quantity, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil {
		http.Error(w, "quantity must be an integer", http.StatusBadRequest)
		return
	}

	available, sufficient, err := s.CheckAvailability(r.Context(), productID, quantity)
	switch {
	case errors.Is(err, fault.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, fault.ErrNotFound):
		http.Error(w, "product not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id": productID,
		"available":  available,
		"sufficient": sufficient,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
