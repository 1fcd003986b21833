package order

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HTTPStockChecker queries the inventory ledger's read API. The ledger
// serves it through its cache, so answers may be slightly stale; the
// asynchronous reservation is the authority either way.
type HTTPStockChecker struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPStockChecker(baseURL string, timeout time.Duration) *HTTPStockChecker {
	return &HTTPStockChecker{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPStockChecker) Available(ctx context.Context, productID string, quantity int64) (bool, error) {
	url := c.BaseURL + "/v1/inventory/" + productID + "/availability?quantity=" + strconv.FormatInt(quantity, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("stock pre-check %s: %w", productID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Sufficient bool `json:"sufficient"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false, fmt.Errorf("decode pre-check response: %w", err)
		}
		return body.Sufficient, nil
	case http.StatusNotFound:
		// Unknown product will be rejected by the ledger anyway.
		return false, nil
	default:
		return false, fmt.Errorf("stock pre-check %s: status %d", productID, resp.StatusCode)
	}
}
