package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

// Window is one weekly maintenance window. OpensAt and ClosesAt are minutes
// since midnight, Weekday follows time.Weekday (0 is Sunday).
type Window struct {
	Weekday  int `json:"weekday" validate:"min=0,max=6"`
	OpensAt  int `json:"opens_at" validate:"min=0,max=1440"`
	ClosesAt int `json:"closes_at" validate:"min=0,max=1440,gtfield=OpensAt"`
}

// OutageWindowPayload is the payload of outage_window.in_or_fail.
type OutageWindowPayload struct {
	Windows []Window `json:"windows" validate:"required,min=1,dive"`

	// ReserveTime is the number of minutes that must remain in the window.
	ReserveTime int `json:"reserve_time" validate:"min=0"`
}

// OutageWindow gates chains that cause downtime to the configured
// maintenance windows of a VPS.
type OutageWindow struct {
	base
	now func() time.Time
}

// NewOutageWindow creates the outage_window handler.
func NewOutageWindow(opts Options) *OutageWindow {
	opts.setDefaults()
	h := &OutageWindow{base: newBase("outage_window"), now: opts.Now}
	h.handle("in_or_fail", h.inOrFail, func() interface{} { return &OutageWindowPayload{} })
	return h
}

func (h *OutageWindow) inOrFail(_ context.Context, job *engine.Job) (*engine.Result, error) {
	var p OutageWindowPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}

	now := h.now()
	minutes := now.Hour()*60 + now.Minute()

	for _, w := range p.Windows {
		if w.Weekday != int(now.Weekday()) {
			continue
		}
		if minutes < w.OpensAt || minutes >= w.ClosesAt {
			break
		}
		if left := w.ClosesAt - minutes; left < p.ReserveTime {
			return nil, engine.NewCommandError("", 1,
				fmt.Sprintf("not enough time left in the outage window: %d minutes, %d required", left, p.ReserveTime))
		}
		return engine.OK(map[string]interface{}{"weekday": w.Weekday, "closes_at": w.ClosesAt}), nil
	}

	return nil, engine.NewCommandError("", 1, "not in an outage window")
}
