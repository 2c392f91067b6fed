package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Delivery channels.
const (
	ChannelEmail = "email"
	ChannelInApp = "in_app"
	ChannelPush  = "push"
)

var (
	errNoEmailAddress   = errors.New("recipient has no email address")
	errSinkUnconfigured = errors.New("sink not configured")
	errEmailRejected    = errors.New("email sender reported failure")
	errPushUnavailable  = errors.New("push transport not started")
)

// EmailSender sends a templated email. It never fails loudly; false means
// the message was not sent.
type EmailSender interface {
	Send(ctx context.Context, to, templateID string, data map[string]any) bool
}

// NotificationCreator persists in-app notifications.
type NotificationCreator interface {
	Create(ctx context.Context, n *Notification) error
}

// PushSender delivers to live endpoints. Both methods return false when the
// transport is not started.
type PushSender interface {
	SendToUser(userID string, payload any) bool
	SendToTopic(topic string, payload any) bool
}

// Sinks groups the delivery channels. Any field may be nil.
type Sinks struct {
	Email EmailSender
	InApp NotificationCreator
	Push  PushSender
	Log   LogSink
}

// Delivery is one notification addressed to one recipient.
type Delivery struct {
	Feature    string
	Severity   Severity
	Recipient  Recipient
	Prefs      *Preferences
	Title      string
	Message    string
	TemplateID string
	Data       map[string]any
}

// ChannelResult is the outcome of one sink attempt.
type ChannelResult struct {
	Channel string
	Err     error
}

// Report lists the sink attempts made for a Delivery.
type Report []ChannelResult

// Attempted reports whether channel was tried.
func (r Report) Attempted(channel string) bool {
	for _, res := range r {
		if res.Channel == channel {
			return true
		}
	}
	return false
}

// Succeeded reports whether channel was tried and succeeded.
func (r Report) Succeeded(channel string) bool {
	for _, res := range r {
		if res.Channel == channel {
			return res.Err == nil
		}
	}
	return false
}

// Deliverer invokes each enabled sink independently and records every
// attempt on the log sink. A failing sink never stops its siblings.
type Deliverer struct {
	sinks  Sinks
	logger *zap.Logger
	now    func() time.Time
}

func NewDeliverer(sinks Sinks, logger *zap.Logger) *Deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{sinks: sinks, logger: logger.Named("deliver"), now: time.Now}
}

// Deliver sends d on every channel enabled in d.Prefs.
func (d *Deliverer) Deliver(ctx context.Context, del Delivery) Report {
	var report Report
	if del.Prefs == nil {
		return report
	}

	var notificationID string
	if del.Prefs.EmailEnabled {
		err := d.sendEmail(ctx, del)
		report = append(report, ChannelResult{Channel: ChannelEmail, Err: err})
		d.record(ctx, del, ChannelEmail, err, map[string]any{"template_id": del.TemplateID})
	}
	if del.Prefs.InAppEnabled {
		id, err := d.createInApp(ctx, del)
		notificationID = id
		report = append(report, ChannelResult{Channel: ChannelInApp, Err: err})
		d.record(ctx, del, ChannelInApp, err, map[string]any{"notification_id": id})
	}
	if del.Prefs.PushEnabled {
		err := d.push(del, notificationID)
		report = append(report, ChannelResult{Channel: ChannelPush, Err: err})
		d.record(ctx, del, ChannelPush, err, nil)
	}
	return report
}

// Broadcast pushes payload to a topic's subscribers and records the attempt
// under subject "topic:<name>".
func (d *Deliverer) Broadcast(ctx context.Context, feature, topic string, severity Severity, title, message string, data map[string]any) error {
	var err error
	switch {
	case d.sinks.Push == nil:
		err = errSinkUnconfigured
	case !d.sinks.Push.SendToTopic(topic, pushPayload(feature, "", title, message, data)):
		err = errPushUnavailable
	}
	del := Delivery{
		Feature:   feature,
		Severity:  severity,
		Recipient: Recipient{UserID: "topic:" + topic},
		Title:     title,
		Message:   message,
		Data:      data,
	}
	d.record(ctx, del, ChannelPush, err, map[string]any{"topic": topic})
	return err
}

func (d *Deliverer) sendEmail(ctx context.Context, del Delivery) error {
	if d.sinks.Email == nil {
		return errSinkUnconfigured
	}
	to := del.Recipient.Email
	if to == "" {
		to = del.Prefs.Email
	}
	if to == "" {
		return errNoEmailAddress
	}

	data := make(map[string]any, len(del.Data)+3)
	for k, v := range del.Data {
		data[k] = v
	}
	data["title"] = del.Title
	data["message"] = del.Message
	data["user_name"] = del.Recipient.UserName

	if !d.sinks.Email.Send(ctx, to, del.TemplateID, data) {
		return errEmailRejected
	}
	return nil
}

func (d *Deliverer) createInApp(ctx context.Context, del Delivery) (string, error) {
	if d.sinks.InApp == nil {
		return "", errSinkUnconfigured
	}
	raw, err := json.Marshal(del.Data)
	if err != nil {
		return "", fmt.Errorf("encode data: %w", err)
	}
	n := &Notification{
		UserID:  del.Recipient.UserID,
		Type:    del.Feature,
		Title:   del.Title,
		Message: del.Message,
		Data:    raw,
	}
	if err := d.sinks.InApp.Create(ctx, n); err != nil {
		return "", err
	}
	return n.ID, nil
}

func (d *Deliverer) push(del Delivery, notificationID string) error {
	if d.sinks.Push == nil {
		return errSinkUnconfigured
	}
	if !d.sinks.Push.SendToUser(del.Recipient.UserID, pushPayload(del.Feature, notificationID, del.Title, del.Message, del.Data)) {
		return errPushUnavailable
	}
	return nil
}

func pushPayload(feature, id, title, message string, data map[string]any) map[string]any {
	p := map[string]any{
		"type":    feature,
		"title":   title,
		"message": message,
		"data":    data,
	}
	if id != "" {
		p["id"] = id
	}
	return p
}

func (d *Deliverer) record(ctx context.Context, del Delivery, channel string, sendErr error, extra map[string]any) {
	severity := del.Severity
	if severity == "" {
		severity = SeverityInfo
	}
	message := channel + " delivered"
	if sendErr != nil {
		severity = SeverityError
		message = channel + " failed: " + sendErr.Error()
		d.logger.Warn("deliver: sink failed",
			zap.String("feature", del.Feature), zap.String("channel", channel),
			zap.String("user_id", del.Recipient.UserID), zap.Error(sendErr))
	}

	metadata := map[string]any{
		"title": del.Title,
		"data":  del.Data,
	}
	for k, v := range extra {
		metadata[k] = v
	}

	if d.sinks.Log == nil {
		return
	}
	entry := LogEntry{
		Feature:   del.Feature,
		Channel:   channel,
		Severity:  severity,
		SubjectID: del.Recipient.UserID,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: d.now().UTC(),
	}
	if err := d.sinks.Log.Record(ctx, entry); err != nil {
		d.logger.Warn("deliver: log sink failed", zap.String("channel", channel), zap.Error(err))
	}
}
