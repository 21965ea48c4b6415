package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// watchedChannels maps signal-bus channels to the event type used for
// filtering and the notification title.
var watchedChannels = map[string]struct {
	event string
	title string
}{
	"liquidations":    {event: "liquidation", title: "Position liquidated"},
	"market_resolved": {event: "market_resolved", title: "Market resolved"},
	"engine_fault":    {event: "engine_fault", title: "Engine fault"},
}

// Watcher subscribes to engine event channels and forwards each event as a
// notification. It converts the JSON payload to a readable key/value body.
type Watcher struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewWatcher creates a Watcher over the given bus and notifier.
func NewWatcher(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_watcher")),
	}
}

// Run subscribes to every watched channel and blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for ch, meta := range watchedChannels {
		msgCh, err := w.bus.Subscribe(ctx, ch)
		if err != nil {
			return fmt.Errorf("notify: subscribe %s: %w", ch, err)
		}
		go w.forward(ctx, msgCh, meta.event, meta.title)
	}

	<-ctx.Done()
	return ctx.Err()
}

// forward relays messages from one channel until it closes.
func (w *Watcher) forward(ctx context.Context, msgCh <-chan []byte, event, title string) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				return
			}
			if err := w.notifier.Notify(ctx, event, title, renderPayload(data)); err != nil {
				w.logger.WarnContext(ctx, "notification delivery failed",
					slog.String("event", event),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// renderPayload formats a JSON event payload as "key: value" lines. Payloads
// that fail to parse are passed through verbatim.
func renderPayload(data []byte) string {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return string(data)
	}

	out := ""
	for k, v := range fields {
		out += fmt.Sprintf("%s: %v\n", k, v)
	}
	return out
}
