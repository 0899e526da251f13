// Package flow drives one lottery ticket purchase from quantity selection to
// ticket issuance. Each open purchase panel owns one Flow; the Manager keeps
// them addressable by id and owner.
package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/internal/gateway"
	"github.com/DrorGr/amesaFE-sub002/internal/provider"
	"github.com/DrorGr/amesaFE-sub002/internal/scratch"
	"github.com/DrorGr/amesaFE-sub002/internal/timing"
)

// Options tunes the flow timers and retry caps.
type Options struct {
	DebounceDelay      time.Duration `env:"DEBOUNCE_DELAY" envDefault:"300ms"`
	CountdownWindow    time.Duration `env:"COUNTDOWN_WINDOW" envDefault:"60s"`
	CountdownInterval  time.Duration `env:"COUNTDOWN_INTERVAL" envDefault:"1s"`
	IntentRetryLimit   int           `env:"INTENT_RETRY_LIMIT" envDefault:"3"`
	IssuanceRetryLimit int           `env:"ISSUANCE_RETRY_LIMIT" envDefault:"3"`
	CryptoPollInterval time.Duration `env:"CRYPTO_POLL_INTERVAL" envDefault:"3s"`
	CryptoPollAttempts int           `env:"CRYPTO_POLL_ATTEMPTS" envDefault:"60"`
	CryptoFailureLimit int           `env:"CRYPTO_FAILURE_LIMIT" envDefault:"3"`
	MountAttempts      int           `env:"MOUNT_ATTEMPTS" envDefault:"6"`
	MountBackoffBase   time.Duration `env:"MOUNT_BACKOFF_BASE" envDefault:"100ms"`
	MountBackoffMax    time.Duration `env:"MOUNT_BACKOFF_MAX" envDefault:"2s"`
	StatusRetries      int           `env:"STATUS_RETRIES" envDefault:"3"`
	RecoveryTTL        time.Duration `env:"RECOVERY_TTL" envDefault:"15m"`
	CallTimeout        time.Duration `env:"CALL_TIMEOUT" envDefault:"15s"`
	IdleTimeout        time.Duration `env:"IDLE_TIMEOUT" envDefault:"30m"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	CardContainerID    string        `env:"CARD_CONTAINER_ID" envDefault:"payment-element"`
	ReturnURL          string        `env:"RETURN_URL" envDefault:"http://localhost:4200/payment/return"`
}

// DefaultOptions mirrors the envDefault values.
func DefaultOptions() Options {
	return Options{
		DebounceDelay:      300 * time.Millisecond,
		CountdownWindow:    60 * time.Second,
		CountdownInterval:  time.Second,
		IntentRetryLimit:   3,
		IssuanceRetryLimit: 3,
		CryptoPollInterval: 3 * time.Second,
		CryptoPollAttempts: 60,
		CryptoFailureLimit: 3,
		MountAttempts:      6,
		MountBackoffBase:   100 * time.Millisecond,
		MountBackoffMax:    2 * time.Second,
		StatusRetries:      3,
		RecoveryTTL:        15 * time.Minute,
		CallTimeout:        15 * time.Second,
		IdleTimeout:        30 * time.Minute,
		SweepInterval:      time.Minute,
		CardContainerID:    "payment-element",
		ReturnURL:          "http://localhost:4200/payment/return",
	}
}

func (o Options) mountBackoff() timing.Backoff {
	return timing.Backoff{Base: o.MountBackoffBase, Max: o.MountBackoffMax, Factor: 2}
}

// Surface reports whether the browser has a visible container for the
// card payment form.
type Surface interface {
	ContainerVisible(flowID, containerID string) bool
}

// Recorder persists settlements for support tooling and reconciliation.
type Recorder interface {
	RecordSettlement(ctx context.Context, s *domain.Settlement) error
	UpdateIssuance(ctx context.Context, s *domain.Settlement) error
}

// Publisher announces settlement and issuance outcomes.
type Publisher interface {
	PublishPaymentSettled(ctx context.Context, s *domain.Settlement) error
	PublishTicketsIssued(ctx context.Context, s *domain.Settlement) error
	PublishTicketsPending(ctx context.Context, s *domain.Settlement) error
	PublishTicketsFailed(ctx context.Context, s *domain.Settlement) error
}

// Deps are the collaborators shared by every flow. Reservations, Recorder
// and Events are optional.
type Deps struct {
	Pricing      gateway.PricingGateway
	Reservations gateway.ReservationGateway
	Tickets      gateway.TicketGateway
	Card         provider.CardProvider
	Crypto       provider.CryptoProvider
	Keys         gateway.KeyGenerator
	Scratch      scratch.Store
	Surface      Surface
	Recorder     Recorder
	Events       Publisher
	Clock        clockz.Clock
	Logger       *slog.Logger
}

func (d *Deps) withDefaults() {
	if d.Keys == nil {
		d.Keys = gateway.UUIDKeys{}
	}
	if d.Clock == nil {
		d.Clock = clockz.RealClock
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Surface == nil {
		d.Surface = NewContainers()
	}
}
