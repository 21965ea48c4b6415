package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// errFeedDropped signals that the upstream connection stopped delivering.
var errFeedDropped = errors.New("feed connection dropped")

// PriceApplier is the slice of the price coordinator the feeder drives.
type PriceApplier interface {
	ApplyUpdates(ctx context.Context, updates []domain.PriceUpdate) ([]domain.AppliedUpdate, error)
}

// Feeder connects to the upstream mark-price WebSocket, subscribes to the
// configured instruments, and applies each tick through the price
// coordinator. It reconnects with a fixed delay on disconnect.
type Feeder struct {
	wsURL          string
	instruments    []string
	reconnectDelay time.Duration
	prices         PriceApplier
	logger         *slog.Logger
	closeOnce      sync.Once
	done           chan struct{}
}

// NewFeeder creates a feeder for the given instruments.
func NewFeeder(wsURL string, instruments []string, reconnectDelay time.Duration, prices PriceApplier, logger *slog.Logger) *Feeder {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Feeder{
		wsURL:          wsURL,
		instruments:    instruments,
		reconnectDelay: reconnectDelay,
		prices:         prices,
		logger:         logger.With(slog.String("component", "price_feeder")),
		done:           make(chan struct{}),
	}
}

// Run connects and applies ticks until ctx is cancelled or Close is called.
func (f *Feeder) Run(ctx context.Context) error {
	if len(f.instruments) == 0 {
		f.logger.Info("no instruments configured, feed idle")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("price feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", f.reconnectDelay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(f.reconnectDelay):
		}
	}
}

// runConnection holds one connection open until it drops or ctx ends.
func (f *Feeder) runConnection(ctx context.Context) error {
	client := NewWSClient(f.wsURL)
	defer client.Close()

	client.OnTick(func(t Tick) {
		f.applyTick(ctx, t)
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	if err := client.Subscribe(ctx, f.instruments); err != nil {
		return err
	}
	f.logger.Info("price feed subscribed",
		slog.Int("instruments", len(f.instruments)),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return nil
	case <-client.Done():
		return errFeedDropped
	}
}

// applyTick pushes a single tick through the coordinator. Feed errors are
// logged and swallowed; the feed must outlive any one bad tick.
func (f *Feeder) applyTick(ctx context.Context, t Tick) {
	results, err := f.prices.ApplyUpdates(ctx, []domain.PriceUpdate{{
		InstrumentID: t.Ticker,
		NewPrice:     t.Price,
		Source:       "feed",
	}})
	if err != nil {
		f.logger.Error("apply tick failed",
			slog.String("ticker", t.Ticker),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, res := range results {
		if !res.Applied {
			f.logger.Debug("tick skipped",
				slog.String("ticker", res.InstrumentID),
				slog.String("reason", res.SkipReason),
			)
		}
	}
}

// Close stops the feeder.
func (f *Feeder) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
