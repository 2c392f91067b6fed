// Package channels holds outbound delivery transports.
package channels

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// EmailConfig holds the configuration for the SMTP mailer.
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    string
	SMTPUser    string
	SMTPPass    string
	FromAddress string
	FromName    string

	// FailureThreshold consecutive send failures open the breaker for
	// ResetTimeout.
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Mailer renders templated emails and sends them over SMTP. Sends go
// through a circuit breaker so a dead relay does not stall every delivery.
type Mailer struct {
	config  EmailConfig
	sender  emailSender
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// emailSender abstracts the sending mechanism for testing.
type emailSender interface {
	send(from, to, subject, htmlBody string) error
}

func NewMailer(config EmailConfig, logger *zap.Logger) (*Mailer, error) {
	if config.SMTPHost == "" || config.SMTPPort == "" {
		return nil, fmt.Errorf("smtp host and port are required")
	}
	if config.FromAddress == "" {
		return nil, fmt.Errorf("from address is required")
	}
	return newMailer(config, &smtpSender{config: config}, logger), nil
}

func newMailer(config EmailConfig, sender emailSender, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaultResetTimeout
	}
	logger = logger.Named("email")

	threshold := config.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Timeout:     config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("email: circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Mailer{config: config, sender: sender, breaker: breaker, logger: logger}
}

// Send renders templateID with data and mails it to one address. It reports
// whether the message was handed to the relay. Addresses containing line
// breaks are refused.
func (m *Mailer) Send(ctx context.Context, to, templateID string, data map[string]any) bool {
	if err := ctx.Err(); err != nil {
		return false
	}
	if strings.ContainsAny(to, "\r\n") {
		m.logger.Warn("email: refusing recipient with line break", zap.String("template", templateID))
		return false
	}
	if !hasTemplate(templateID) {
		m.logger.Warn("email: unknown template, using notice", zap.String("template", templateID))
	}

	htmlBody, err := renderEmail(templateID, data)
	if err != nil {
		m.logger.Error("email: render failed", zap.String("template", templateID), zap.Error(err))
		return false
	}

	subject, _ := data["title"].(string)
	subject = headerValue(subject)
	if subject == "" {
		subject = "Notification"
	}

	from := m.config.FromAddress
	if m.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", headerValue(m.config.FromName), m.config.FromAddress)
	}

	_, err = m.breaker.Execute(func() (interface{}, error) {
		return nil, m.sender.send(from, to, subject, htmlBody)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		m.logger.Warn("email: relay unavailable, skipping send", zap.String("template", templateID))
		return false
	case err != nil:
		m.logger.Warn("email: send failed", zap.String("template", templateID), zap.Error(err))
		return false
	}
	return true
}

// smtpSender sends email via SMTP.
type smtpSender struct {
	config EmailConfig
}

func (s *smtpSender) send(from, to, subject, htmlBody string) error {
	addr := s.config.SMTPHost + ":" + s.config.SMTPPort

	msg := "From: " + from + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=\"UTF-8\"\r\n" +
		"\r\n" + htmlBody

	var auth smtp.Auth
	if s.config.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.config.SMTPUser, s.config.SMTPPass, s.config.SMTPHost)
	}

	return smtp.SendMail(addr, auth, s.config.FromAddress, []string{to}, []byte(msg))
}

const emailLayout = `{{define "layout"}}<!DOCTYPE html>
<html>
<head><style>
body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; margin: 0; padding: 20px; background: #f5f5f5; }
.card { background: #fff; border-radius: 8px; padding: 24px; max-width: 600px; margin: 0 auto; box-shadow: 0 1px 3px rgba(0,0,0,0.1); }
.title { font-size: 18px; font-weight: 600; margin-bottom: 8px; }
.body { color: #555; line-height: 1.6; }
.meta { color: #999; font-size: 12px; margin-top: 16px; }
</style></head>
<body>
<div class="card">
  {{with .user_name}}<p>Hi {{.}},</p>{{end}}
  <div class="title">{{.title}}</div>
  {{template "content" .}}
</div>
</body>
</html>{{end}}`

var emailTemplates = map[string]*template.Template{
	"bmi-result": template.Must(template.Must(template.New("bmi-result").Parse(emailLayout)).Parse(`{{define "content"}}
  <div class="body">{{.message}}</div>
  <table class="meta">
    <tr><td>BMI</td><td>{{printf "%.1f" .bmi_value}}</td></tr>
    <tr><td>Category</td><td>{{.bmi_category}}</td></tr>
    {{with .height}}<tr><td>Height</td><td>{{.}}</td></tr>{{end}}
    {{with .weight}}<tr><td>Weight</td><td>{{.}}</td></tr>{{end}}
  </table>
  {{with .recommendation}}<p class="body">{{.}}</p>{{end}}
{{end}}`)),
	"notice": template.Must(template.Must(template.New("notice").Parse(emailLayout)).Parse(`{{define "content"}}
  <div class="body">{{.message}}</div>
{{end}}`)),
}

var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// headerValue folds line breaks so a value cannot start a new header.
func headerValue(v string) string {
	return strings.TrimSpace(headerBreaks.Replace(v))
}

func hasTemplate(templateID string) bool {
	_, ok := emailTemplates[templateID]
	return ok
}

// renderEmail renders templateID, falling back to the notice template for
// unknown IDs.
func renderEmail(templateID string, data map[string]any) (string, error) {
	tmpl, ok := emailTemplates[templateID]
	if !ok {
		tmpl = emailTemplates["notice"]
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
