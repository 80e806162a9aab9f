// Package pricing calls the pricing service to consume a price lock at order
// creation, so the amount charged is the amount quoted.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/bizerr"
)

// LockedItem is one priced line from a consumed lock.
type LockedItem struct {
	SkuID         int64  `json:"sku_id"`
	WarehouseID   int64  `json:"warehouse_id"`
	Qty           int    `json:"qty"`
	Title         string `json:"title"`
	UnitPrice     int64  `json:"unit_price_cents"`
	DiscountCents int64  `json:"discount_cents"`
	PayableCents  int64  `json:"payable_cents"`
}

type LockedPrice struct {
	PriceLockNo string       `json:"price_lock_no"`
	TotalCents  int64        `json:"total_cents"`
	Items       []LockedItem `json:"items"`
}

// Client consumes price locks. A lock can be used exactly once; a second use
// for the same order returns the original result.
type Client interface {
	UsePriceLock(ctx context.Context, priceLockNo, orderNo string) (*LockedPrice, error)
}

type HTTPClient struct {
	BaseURL string
	HC      *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		HC:      &http.Client{Timeout: 3 * time.Second},
	}
}

func (c *HTTPClient) UsePriceLock(ctx context.Context, priceLockNo, orderNo string) (*LockedPrice, error) {
	body, err := json.Marshal(map[string]string{
		"price_lock_no": priceLockNo,
		"order_no":      orderNo,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal use-lock request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/price-locks/%s/use", c.BaseURL, priceLockNo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build use-lock request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HC.Do(req)
	if err != nil {
		return nil, bizerr.Wrap(bizerr.CodeSystem, err, "pricing service unreachable")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, bizerr.New(bizerr.CodeNotFound, "price lock %s not found", priceLockNo)
	case http.StatusConflict:
		return nil, bizerr.New(bizerr.CodeStateInvalid, "price lock %s already used or expired", priceLockNo)
	default:
		return nil, bizerr.New(bizerr.CodeSystem, "pricing service returned %d", resp.StatusCode)
	}

	var lp LockedPrice
	if err := json.NewDecoder(resp.Body).Decode(&lp); err != nil {
		return nil, fmt.Errorf("decode use-lock response: %w", err)
	}
	return &lp, nil
}
