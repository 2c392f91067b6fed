package notifications

import (
	"context"

	"go.uber.org/zap"
)

// UserEvent is the second-level classification within CategoryUser.
type UserEvent string

const (
	UserEventBMICalculated UserEvent = "bmi_calculated"
)

// UserEventHandlers has one field per UserEvent.
type UserEventHandlers struct {
	BMICalculated Handler
}

// UserEvents dispatches CategoryUser envelopes by event.
type UserEvents struct {
	table  map[UserEvent]Handler
	logger *zap.Logger
}

func NewUserEvents(h UserEventHandlers, logger *zap.Logger) *UserEvents {
	if logger == nil {
		logger = zap.NewNop()
	}
	table := map[UserEvent]Handler{
		UserEventBMICalculated: h.BMICalculated,
	}
	for e, handler := range table {
		if handler == nil {
			delete(table, e)
		}
	}
	return &UserEvents{table: table, logger: logger.Named("user")}
}

// Handle invokes the handler for env.Event. Unknown events are logged and
// treated as handled.
func (u *UserEvents) Handle(ctx context.Context, env Envelope) error {
	h, ok := u.table[UserEvent(env.Event)]
	if !ok {
		u.logger.Warn("user: no handler for event, dropping", zap.String("event", env.Event))
		return nil
	}
	return h.Handle(ctx, env)
}
