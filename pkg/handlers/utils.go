package handlers

import (
	"context"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

// Utils carries entries with no side effects on the node. utils.noop is the
// carrier of database patches that need a chain step of their own.
type Utils struct {
	base
}

// NewUtils creates the utils handler.
func NewUtils() *Utils {
	h := &Utils{base: newBase("utils")}
	h.handle("noop", h.noop, nil)
	return h
}

func (h *Utils) noop(_ context.Context, _ *engine.Job) (*engine.Result, error) {
	return engine.OK(nil), nil
}
