package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"grepwise/internal/logging"
)

// ErrChannelDown reports a channel that stayed unreachable through
// every retry.
var ErrChannelDown = errors.New("notification channel down")

const (
	dispatchAttempts = 3
	dispatchBackoff  = time.Second
)

// Dispatcher fans a payload out to channels, retrying each one with
// exponential backoff. Delivery failures are logged and reported, but
// one dead channel never stops the others.
type Dispatcher struct {
	sinks  map[ChannelType]Sink
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sinks: map[ChannelType]Sink{
			ChannelEmail:   EmailSink{},
			ChannelSlack:   SlackSink{},
			ChannelWebhook: WebhookSink{},
		},
		logger: logging.Default(logger).With("component", "notify"),
		sleep:  sleepCtx,
	}
}

// Dispatch delivers p to every channel. The returned error joins the
// per-channel failures; nil means everything was delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, channels []Channel, p Payload) error {
	var errs []error
	for _, ch := range channels {
		if err := d.send(ctx, ch, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, p Payload) error {
	sink, ok := d.sinks[ch.Type]
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrChannelDown, ch.Type)
	}

	var lastErr error
	for attempt := 0; attempt < dispatchAttempts; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, dispatchBackoff<<(attempt-1)); err != nil {
				break
			}
		}
		lastErr = sink.Send(ctx, ch, p)
		if lastErr == nil {
			d.logger.Debug("notification delivered",
				"alarm", p.AlarmID, "type", ch.Type, "attempt", attempt+1)
			return nil
		}
		d.logger.Warn("notification attempt failed",
			"alarm", p.AlarmID, "type", ch.Type, "attempt", attempt+1, "error", lastErr)
	}
	d.logger.Error("notification channel exhausted retries",
		"alarm", p.AlarmID, "type", ch.Type, "destination", ch.Destination, "error", lastErr)
	return fmt.Errorf("%w: %s %s: %v", ErrChannelDown, ch.Type, ch.Destination, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
