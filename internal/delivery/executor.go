package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"freegamesbot/internal/eventbus"
	"freegamesbot/internal/transport"
	logx "freegamesbot/pkg/logx"
)

// RecipientStore is the persistence hook used on permanent failures.
type RecipientStore interface {
	MarkInactive(ctx context.Context, chat transport.ChatID) error
}

// ErrorReporter receives failures that could not be classified.
// Implementations must not block for long; panics are recovered.
type ErrorReporter interface {
	Report(ctx context.Context, description string, err error)
}

type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeSkipped
	OutcomeDeactivated
	OutcomeBenign
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDeactivated:
		return "deactivated"
	case OutcomeBenign:
		return "benign"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Event types published on the bus.
const (
	EventSent        = "delivery.sent"
	EventSkipped     = "delivery.skipped"
	EventBenign      = "delivery.benign"
	EventDeactivated = "delivery.deactivated"
	EventFailed      = "delivery.failed"
)

// EventData is the payload of every delivery.* event.
type EventData struct {
	ID        string
	Recipient transport.ChatID
	Kind      string
	Broadcast bool
	Outcome   string
	Err       string `json:",omitempty"`
}

// executor performs one send and applies failure side effects.
type executor struct {
	sender   transport.Sender
	store    RecipientStore
	reporter ErrorReporter
	bus      eventbus.Bus
	metrics  *Metrics
	log      logx.Logger
	timeout  func() time.Duration
}

// deliver never returns an error: every failure is classified and handled here.
func (x *executor) deliver(ctx context.Context, e envelope) Outcome {
	msg := e.msg
	log := x.log.With(
		logx.String("id", e.id.String()),
		logx.Int64("chat_id", int64(msg.Recipient())),
		logx.String("kind", msg.Kind()),
	)

	if !msg.Sendable() {
		log.Debug("empty message skipped")
		return x.finish(e, OutcomeSkipped, nil)
	}

	start := time.Now()
	err := x.send(ctx, msg)
	x.metrics.sent(time.Since(start))

	if err == nil {
		if m, ok := msg.(MediaMessage); ok && m.LocalResource != "" {
			if rmErr := os.Remove(m.LocalResource); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Debug("local resource cleanup failed", logx.String("path", m.LocalResource), logx.Err(rmErr))
			}
		}
		log.Trace("message sent", logx.Duration("took", time.Since(start)))
		return x.finish(e, OutcomeSent, nil)
	}

	class := Classify(err)
	if class != ClassPermanent && ctx.Err() != nil {
		log.Debug("send aborted by shutdown", logx.Err(err))
		return x.finish(e, OutcomeFailed, err)
	}

	switch class {
	case ClassPermanent:
		if x.store != nil {
			// The recipient is gone even when the dispatcher is stopping.
			if serr := x.store.MarkInactive(context.WithoutCancel(ctx), msg.Recipient()); serr != nil {
				log.Warn("mark recipient inactive failed", logx.Err(serr))
			}
		}
		log.Info("recipient unreachable; marked inactive", logx.Err(err))
		return x.finish(e, OutcomeDeactivated, err)
	case ClassBenign:
		log.Debug("benign send error ignored", logx.Err(err))
		return x.finish(e, OutcomeBenign, err)
	default:
		log.Warn("send failed", logx.Err(err))
		x.report(ctx, describe(msg), err)
		return x.finish(e, OutcomeFailed, err)
	}
}

// send dispatches on the message variant. Sender panics surface as errors.
func (x *executor) send(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			x.log.Error("sender panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()

	if d := x.timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	switch m := msg.(type) {
	case TextMessage:
		_, err = x.sender.SendText(ctx, m.To, m.Body, m.options())
	case MediaMessage:
		media := transport.Media{Ref: m.MediaRef, Caption: m.Caption, HasSpoiler: m.HasSpoiler}
		_, err = x.sender.SendMedia(ctx, m.To, media, m.options())
	default:
		err = fmt.Errorf("%w: %T", ErrInvalidMessage, msg)
	}
	return err
}

func (x *executor) report(ctx context.Context, description string, err error) {
	if x.reporter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			x.log.Error("error reporter panicked", logx.Any("panic", r))
		}
	}()
	x.reporter.Report(ctx, description, err)
}

func (x *executor) finish(e envelope, o Outcome, err error) Outcome {
	x.metrics.outcome(e.broadcast, o)
	if x.bus != nil {
		data := EventData{
			ID:        e.id.String(),
			Recipient: e.msg.Recipient(),
			Kind:      e.msg.Kind(),
			Broadcast: e.broadcast,
			Outcome:   o.String(),
		}
		if err != nil {
			data.Err = err.Error()
		}
		x.bus.Publish(eventbus.Event{Type: eventType(o), Data: data})
	}
	return o
}

func eventType(o Outcome) string {
	switch o {
	case OutcomeSent:
		return EventSent
	case OutcomeSkipped:
		return EventSkipped
	case OutcomeDeactivated:
		return EventDeactivated
	case OutcomeBenign:
		return EventBenign
	}
	return EventFailed
}
