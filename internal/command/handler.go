package command

import (
	"context"
	"fmt"

	"github.com/outpostnet/bondtun/internal/stats"
)

// CommandHandler dispatches incoming Commands. bondtun only exposes one
// method ("status"); anything else is a JSON-RPC method-not-found error.
type CommandHandler struct {
	stats *stats.Stats
}

// NewCommandHandler returns a handler that reports snapshots of s.
func NewCommandHandler(s *stats.Stats) *CommandHandler {
	return &CommandHandler{stats: s}
}

// Handle dispatches cmd and returns its Response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	switch cmd.Method {
	case "status":
		return Response{ID: cmd.ID, Result: h.stats.Snapshot()}
	default:
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeMethodNotFound,
				Message: fmt.Sprintf("unknown method %q", cmd.Method),
			},
		}
	}
}
