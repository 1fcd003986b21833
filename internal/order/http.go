package order

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/redstone/orderflow/internal/fault"
)

type placeOrderRequest struct {
	CustomerID string `json:"customer_id"`
	Items      []Item `json:"items"`
}

// NewRouter exposes the coordinator's synchronous API.
func NewRouter(svc *Service) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Post("/v1/orders", svc.placeOrderHandler)
	r.Get("/v1/orders/{orderID}", svc.getOrderHandler)
	return r
}

func (s *Service) placeOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	o, err := s.PlaceOrder(r.Context(), req.CustomerID, req.Items)
	switch {
	case errors.Is(err, fault.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, fault.ErrInsufficientStock):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, fault.ErrTransient):
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Service) getOrderHandler(w http.ResponseWriter, r *http.Request) {
	o, err := s.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if errors.Is(err, fault.ErrNotFound) {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
