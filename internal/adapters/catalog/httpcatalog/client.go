// Package httpcatalog reads product records from a remote catalog service over HTTP.
package httpcatalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hylla/stockcount/internal/app"
	"github.com/hylla/stockcount/internal/domain"
)

const defaultTimeout = 10 * time.Second

// maxBodyBytes bounds one catalog response.
const maxBodyBytes = 32 << 20

// Client implements app.Catalog against a JSON endpoint returning a product array,
// either bare or wrapped as {"products": [...]}.
type Client struct {
	url  string
	http *http.Client
}

// Options configures a catalog client.
type Options struct {
	URL     string
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// New constructs a catalog client.
func New(opts Options) (*Client, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("catalog url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("catalog url %q must use http or https", url)
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{url: url, http: client}, nil
}

// productWire is the remote record shape.
type productWire struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	SKU            string `json:"sku"`
	Brand          string `json:"brand"`
	Balance        *int   `json:"balance"`
	Location       string `json:"location"`
	SimilarGroupID string `json:"similarGroupId"`
}

// ListProducts fetches and validates the full catalog.
func (c *Client) ListProducts(ctx context.Context) ([]domain.Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch catalog: %w", app.ErrCollaboratorUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: catalog returned %s", app.ErrCollaboratorUnavailable, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("catalog returned %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read catalog: %w", app.ErrCollaboratorUnavailable, err)
	}
	wire, err := decodeProducts(raw)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(wire))
	for idx, record := range wire {
		if record.Balance == nil {
			return nil, fmt.Errorf("%w: catalog record %d has no balance", domain.ErrInvalidProduct, idx)
		}
		product, err := domain.Product{
			ID:             record.ID,
			Name:           record.Name,
			SKU:            record.SKU,
			Brand:          record.Brand,
			Balance:        *record.Balance,
			Location:       record.Location,
			SimilarGroupID: record.SimilarGroupID,
		}.Normalize()
		if err != nil {
			return nil, fmt.Errorf("catalog record %d: %w", idx, err)
		}
		out = append(out, product)
	}
	return out, nil
}

func decodeProducts(raw []byte) ([]productWire, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var list []productWire
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode catalog: %w", err)
		}
		return list, nil
	}
	var envelope struct {
		Products *[]productWire `json:"products"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if envelope.Products == nil {
		return nil, errors.New("decode catalog: missing products array")
	}
	return *envelope.Products, nil
}
