// Package report forwards delivery failures nobody classified to the
// operators.
package report

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"freegamesbot/internal/eventbus"
	logx "freegamesbot/pkg/logx"
	"freegamesbot/pkg/tgui"
)

// EventReported is published for every reported failure.
const EventReported = "report.error"

const maxDescription = 512

// Data is the payload of EventReported.
type Data struct {
	Description string
	Err         string
}

// Reporter logs failures at ERROR, which the logx Telegram sink forwards
// to the operator chat, and publishes them on the bus.
type Reporter struct {
	log   logx.Logger
	bus   eventbus.Bus
	count atomic.Uint64
}

func New(log logx.Logger, bus eventbus.Bus) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{log: log.Component("report"), bus: bus}
}

func (r *Reporter) Report(_ context.Context, description string, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	r.count.Add(1)
	desc := tgui.TruncRunes(description, maxDescription)
	r.log.Error(desc, logx.Err(err))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Type: EventReported,
			Time: time.Now(),
			Data: Data{Description: desc, Err: err.Error()},
		})
	}
}

// Count is the number of reports since start.
func (r *Reporter) Count() uint64 { return r.count.Load() }
