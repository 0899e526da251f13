// Package commerce is the crypto rail backed by a hosted-checkout commerce
// API: charges are created once and their status is read from the last
// timeline entry.
package commerce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/internal/provider"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
	"github.com/DrorGr/amesaFE-sub002/pkg/httpclient"
)

const (
	serviceName = "commerce"
	apiVersion  = "2018-03-22"
)

// Config locates the commerce API.
type Config struct {
	BaseURL string  `env:"COMMERCE_API_URL" envDefault:"https://api.commerce.coinbase.com"`
	APIKey  string  `env:"COMMERCE_API_KEY"`
	PollRPS float64 `env:"COMMERCE_POLL_RPS" envDefault:"5"`
}

// Adapter implements provider.CryptoProvider.
type Adapter struct {
	baseURL string
	apiKey  string
	doer    httpclient.Doer
	polls   *rate.Limiter
}

var _ provider.CryptoProvider = (*Adapter)(nil)

// New builds an adapter over doer, normally a circuit breaker client.
func New(cfg Config, doer httpclient.Doer) *Adapter {
	rps := cfg.PollRPS
	if rps <= 0 {
		rps = 5
	}
	return &Adapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		doer:    doer,
		polls:   rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

type money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type createChargeRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	PricingType string            `json:"pricing_type"`
	LocalPrice  money             `json:"local_price"`
	Metadata    map[string]string `json:"metadata"`
}

type chargeResource struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	HostedURL string    `json:"hosted_url"`
	ExpiresAt time.Time `json:"expires_at"`
	Timeline  []struct {
		Status string    `json:"status"`
		Time   time.Time `json:"time"`
	} `json:"timeline"`
}

type chargeEnvelope struct {
	Data chargeResource `json:"data"`
}

// FormatAmount renders minor units as the decimal string the API expects.
func FormatAmount(minor int64, currency string) string {
	places := int32(0)
	for unit := domain.CurrencyUnit(currency); unit > 1; unit /= 10 {
		places++
	}
	return decimal.New(minor, -places).StringFixed(places)
}

// CreateCharge creates a fixed-price hosted charge.
func (a *Adapter) CreateCharge(ctx context.Context, in *provider.ChargeInput) (*provider.Charge, error) {
	if in.Amount <= 0 || in.Quantity <= 0 {
		return nil, fmt.Errorf("%w: amount and quantity must be positive", provider.ErrInvalidRequest)
	}
	title := in.HouseTitle
	if title == "" {
		title = "Lottery tickets"
	}
	body := createChargeRequest{
		Name:        title,
		Description: fmt.Sprintf("%d lottery ticket(s)", in.Quantity),
		PricingType: "fixed_price",
		LocalPrice:  money{Amount: FormatAmount(in.Amount, in.Currency), Currency: strings.ToUpper(in.Currency)},
		Metadata: map[string]string{
			"flow_id":    in.FlowID,
			"product_id": in.ProductID,
			"house_id":   in.HouseID,
			"quantity":   strconv.Itoa(in.Quantity),
		},
	}

	var resp chargeEnvelope
	if err := a.call(ctx, http.MethodPost, "/charges", body, in.IdempotencyKey, &resp); err != nil {
		return nil, fmt.Errorf("create charge: %w", err)
	}
	if resp.Data.ID == "" || resp.Data.HostedURL == "" {
		return nil, fmt.Errorf("create charge: %w: incomplete charge in response", provider.ErrUnavailable)
	}
	return toCharge(&resp.Data), nil
}

// GetCharge reads the charge status. Calls are throttled across all flows
// sharing this adapter.
func (a *Adapter) GetCharge(ctx context.Context, chargeID string) (*provider.Charge, error) {
	if err := a.polls.Wait(ctx); err != nil {
		return nil, fmt.Errorf("get charge %s: %w", chargeID, err)
	}
	var resp chargeEnvelope
	if err := a.call(ctx, http.MethodGet, "/charges/"+url.PathEscape(chargeID), nil, "", &resp); err != nil {
		return nil, fmt.Errorf("get charge %s: %w", chargeID, err)
	}
	return toCharge(&resp.Data), nil
}

func (a *Adapter) call(ctx context.Context, method, path string, body any, key string, out any) error {
	err := httpclient.DoJSON(ctx, a.doer, serviceName, httpclient.Request{
		Method:         method,
		URL:            a.baseURL + path,
		Body:           body,
		IdempotencyKey: key,
		Header: map[string]string{
			"X-CC-Api-Key": a.apiKey,
			"X-CC-Version": apiVersion,
		},
	}, out)
	if err != nil {
		return classify(err)
	}
	return nil
}

func toCharge(r *chargeResource) *provider.Charge {
	status := provider.ChargeNew
	if n := len(r.Timeline); n > 0 {
		status = normalizeStatus(r.Timeline[n-1].Status)
	}
	return &provider.Charge{
		ID:        r.ID,
		HostedURL: r.HostedURL,
		Status:    status,
		ExpiresAt: r.ExpiresAt,
	}
}

func normalizeStatus(s string) provider.ChargeStatus {
	switch strings.ToUpper(s) {
	case "COMPLETED", "CONFIRMED", "RESOLVED":
		return provider.ChargeCompleted
	case "PENDING":
		return provider.ChargePending
	case "EXPIRED":
		return provider.ChargeExpired
	case "CANCELED", "CANCELLED":
		return provider.ChargeCanceled
	case "UNRESOLVED", "FAILED":
		return provider.ChargeFailed
	default:
		return provider.ChargeNew
	}
}

// classify maps transport and downstream errors onto provider sentinels.
func classify(err error) error {
	var appErr *apperrors.AppError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case httpclient.IsCircuitOpen(err):
		return fmt.Errorf("%w: %w", provider.ErrUnavailable, err)
	case errors.As(err, &appErr):
		switch {
		case errors.Is(err, apperrors.ErrRateLimited):
			return fmt.Errorf("%w: %v", provider.ErrRateLimited, err)
		case errors.Is(err, apperrors.ErrNotFound):
			return fmt.Errorf("%w: %v", provider.ErrNotFound, err)
		case errors.Is(err, apperrors.ErrGone):
			return fmt.Errorf("%w: %v", provider.ErrExpired, err)
		case errors.Is(err, apperrors.ErrServiceUnavail):
			return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
		default:
			return fmt.Errorf("%w: %v", provider.ErrInvalidRequest, err)
		}
	default:
		return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
}
