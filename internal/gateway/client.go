package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/pkg/httpclient"
)

// Config locates the lottery backend.
type Config struct {
	BaseURL      string `env:"LOTTERY_API_URL" envDefault:"http://localhost:5000"`
	ServiceToken string `env:"LOTTERY_API_TOKEN"`
}

// Client implements PricingGateway, ReservationGateway and TicketGateway
// against the lottery backend REST API.
type Client struct {
	baseURL string
	token   string
	doer    httpclient.Doer
}

var (
	_ PricingGateway     = (*Client)(nil)
	_ ReservationGateway = (*Client)(nil)
	_ TicketGateway      = (*Client)(nil)
)

// NewClient builds a backend client. doer is normally a circuit breaker
// wrapping a retrying httpclient.Client.
func NewClient(cfg Config, doer httpclient.Doer) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.ServiceToken,
		doer:    doer,
	}
}

type envelope[T any] struct {
	Data T `json:"data"`
}

func (c *Client) call(ctx context.Context, service, method, path string, body any, key string, out any) error {
	return httpclient.DoJSON(ctx, c.doer, service, httpclient.Request{
		Method:         method,
		URL:            c.baseURL + path,
		Body:           body,
		IdempotencyKey: key,
		Bearer:         c.token,
	}, out)
}

// Product implements PricingGateway.
func (c *Client) Product(ctx context.Context, productID string) (*domain.Product, error) {
	var resp envelope[domain.Product]
	path := "/api/v1/products/" + url.PathEscape(productID)
	if err := c.call(ctx, "pricing", http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, fmt.Errorf("get product %s: %w", productID, err)
	}
	return &resp.Data, nil
}

// Validate implements PricingGateway.
func (c *Client) Validate(ctx context.Context, productID string, quantity int) (*domain.PriceQuote, error) {
	var resp envelope[domain.PriceQuote]
	path := "/api/v1/products/" + url.PathEscape(productID) + "/validate"
	body := map[string]int{"quantity": quantity}
	if err := c.call(ctx, "pricing", http.MethodPost, path, body, "", &resp); err != nil {
		return nil, fmt.Errorf("validate product %s x%d: %w", productID, quantity, err)
	}
	return &resp.Data, nil
}

// Create implements ReservationGateway.
func (c *Client) Create(ctx context.Context, houseID string, quantity int) (string, error) {
	var resp envelope[struct {
		ReservationID string `json:"reservation_id"`
	}]
	path := "/api/v1/houses/" + url.PathEscape(houseID) + "/reservations"
	body := map[string]int{"quantity": quantity}
	if err := c.call(ctx, "reservation", http.MethodPost, path, body, "", &resp); err != nil {
		return "", fmt.Errorf("reserve %d in house %s: %w", quantity, houseID, err)
	}
	if resp.Data.ReservationID == "" {
		return "", fmt.Errorf("reserve %d in house %s: empty reservation id", quantity, houseID)
	}
	return resp.Data.ReservationID, nil
}

// Cancel implements ReservationGateway.
func (c *Client) Cancel(ctx context.Context, reservationID string) error {
	path := "/api/v1/reservations/" + url.PathEscape(reservationID)
	if err := c.call(ctx, "reservation", http.MethodDelete, path, nil, "", nil); err != nil {
		return fmt.Errorf("cancel reservation %s: %w", reservationID, err)
	}
	return nil
}

// Purchase implements TicketGateway.
func (c *Client) Purchase(ctx context.Context, in *PurchaseInput) (*PurchaseResult, error) {
	var resp envelope[PurchaseResult]
	path := "/api/v1/houses/" + url.PathEscape(in.HouseID) + "/tickets/purchase"
	if err := c.call(ctx, "tickets", http.MethodPost, path, in, in.IdempotencyKey, &resp); err != nil {
		return nil, fmt.Errorf("purchase %d tickets for %s: %w", in.Quantity, in.SettlementID, err)
	}
	return &resp.Data, nil
}
