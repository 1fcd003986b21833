package order

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceOrderHandler_CreatesOrder(t *testing.T) {
	repo := newMemRepo()
	router := NewRouter(newTestService(repo, stockAlways(true)))

	body := `{"customer_id":"cust-1","items":[{"product_id":"PRD-1","quantity":2,"unit_price":500}]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	var o Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	assert.Equal(t, StatusPending, o.Status)
	assert.NotEmpty(t, o.ID)
}

func TestPlaceOrderHandler_StatusCodes(t *testing.T) {
	cases := []struct {
		name  string
		stock StockChecker
		body  string
		want  int
	}{
		{"invalid json", stockAlways(true), `{`, http.StatusBadRequest},
		{"validation", stockAlways(true), `{"customer_id":"","items":[]}`, http.StatusBadRequest},
		{"insufficient", stockAlways(false),
			`{"customer_id":"cust-1","items":[{"product_id":"PRD-1","quantity":9}]}`, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := NewRouter(newTestService(newMemRepo(), tc.stock))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(tc.body)))
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestGetOrderHandler(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, stockAlways(true))
	router := NewRouter(svc)
	o := placeOrder(t, svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orders/"+o.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orders/ord-missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
