package notifications

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/darkden-lab/notifyd/internal/broker"
)

// TemplateNotice is the email template used when a notice names none.
const TemplateNotice = "notice"

// NoticePayload is the payload shared by every non-user category.
type NoticePayload struct {
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	TemplateID string         `json:"template_id,omitempty"`
	Topic      string         `json:"topic,omitempty"`
	Severity   Severity       `json:"severity,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// NoticeHandler delivers a titled message to each recipient per their
// preferences, or broadcasts it to a push topic when there are none.
type NoticeHandler struct {
	category  Category
	prefs     PreferenceStore
	deliverer *Deliverer
	logger    *zap.Logger
}

func NewNoticeHandler(category Category, prefs PreferenceStore, deliverer *Deliverer, logger *zap.Logger) *NoticeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoticeHandler{
		category:  category,
		prefs:     prefs,
		deliverer: deliverer,
		logger:    logger.Named(string(category)),
	}
}

func (h *NoticeHandler) Handle(ctx context.Context, env Envelope) error {
	var p NoticePayload
	if err := env.DecodePayload(&p); err != nil {
		return broker.Permanent(err)
	}
	if p.Title == "" && p.Message == "" {
		return broker.Permanent(fmt.Errorf("%s: %w: title or message", h.category, errMissingField))
	}
	if p.TemplateID == "" {
		p.TemplateID = TemplateNotice
	}
	if p.Severity == "" {
		p.Severity = SeverityInfo
	}
	feature := string(h.category)

	if len(env.Recipients) == 0 {
		topic := p.Topic
		if topic == "" {
			topic = feature
		}
		// Push is the only channel without an addressee; a failed broadcast
		// is logged like any other sink failure.
		_ = h.deliverer.Broadcast(ctx, feature, topic, p.Severity, p.Title, p.Message, p.Data)
		return nil
	}

	var errs []error
	for _, r := range env.Recipients {
		if r.UserID == "" {
			h.logger.Warn("notice: recipient without user id, skipping", zap.String("category", feature))
			continue
		}
		prefs, err := h.prefs.FindPreferences(ctx, r.UserID)
		if errors.Is(err, ErrPreferencesNotFound) {
			h.logger.Info("notice: user has no notification preferences, skipping", zap.String("user_id", r.UserID))
			continue
		}
		if err != nil {
			// The envelope is requeued; recipients already served may see it twice.
			errs = append(errs, fmt.Errorf("preferences for %s: %w", r.UserID, err))
			continue
		}
		h.deliverer.Deliver(ctx, Delivery{
			Feature:    feature,
			Severity:   p.Severity,
			Recipient:  r,
			Prefs:      prefs,
			Title:      p.Title,
			Message:    p.Message,
			TemplateID: p.TemplateID,
			Data:       p.Data,
		})
	}
	return errors.Join(errs...)
}
