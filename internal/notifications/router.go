package notifications

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/darkden-lab/notifyd/internal/broker"
)

// Handler processes one decoded envelope. A returned error causes the
// message to be requeued.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error { return f(ctx, env) }

// CategoryHandlers has one field per Category. A nil field leaves that
// category unhandled.
type CategoryHandlers struct {
	User          Handler
	System        Handler
	Transactional Handler
	Admin         Handler
	Marketing     Handler
	Promotional   Handler
	Security      Handler
	Vendor        Handler
}

// Router dispatches envelopes by category.
type Router struct {
	table  map[Category]Handler
	logger *zap.Logger
}

func NewRouter(h CategoryHandlers, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	table := map[Category]Handler{
		CategoryUser:          h.User,
		CategorySystem:        h.System,
		CategoryTransactional: h.Transactional,
		CategoryAdmin:         h.Admin,
		CategoryMarketing:     h.Marketing,
		CategoryPromotional:   h.Promotional,
		CategorySecurity:      h.Security,
		CategoryVendor:        h.Vendor,
	}
	for c, handler := range table {
		if handler == nil {
			delete(table, c)
		}
	}
	return &Router{table: table, logger: logger.Named("router")}
}

// Dispatch invokes the handler for env.Category. Unknown categories are
// logged and treated as handled.
func (r *Router) Dispatch(ctx context.Context, env Envelope) error {
	h, ok := r.table[env.Category]
	if !ok {
		r.logger.Warn("router: no handler for category, dropping",
			zap.String("category", string(env.Category)), zap.String("event", env.Event))
		return nil
	}
	if err := h.Handle(ctx, env); err != nil {
		return fmt.Errorf("%s: %w", env.Category, err)
	}
	return nil
}

// HandleMessage decodes a broker message and dispatches it. It has the
// signature of broker.Handler.
func (r *Router) HandleMessage(ctx context.Context, msg broker.Message) error {
	env, err := DecodeEnvelope(msg.Body)
	if err != nil {
		return err
	}
	if msg.Redelivered {
		r.logger.Debug("router: handling redelivered message",
			zap.Uint64("delivery_tag", msg.DeliveryTag), zap.String("category", string(env.Category)))
	}
	return r.Dispatch(ctx, env)
}
