package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/chxlky/orba/internal/config"
	"go.uber.org/zap"
)

const resendEndpoint = "https://api.resend.com/emails"

type Message struct {
	To      string
	Subject string
	HTML    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// NewMailer builds the mailer selected by mail.provider, wrapped with retries.
func NewMailer(cfg config.MailConfig) (Mailer, error) {
	var m Mailer
	switch cfg.Provider {
	case "smtp":
		if cfg.SMTPHost == "" {
			return nil, errors.New("mail.smtp_host is required for the smtp provider")
		}
		m = &SMTPMailer{Host: cfg.SMTPHost, Port: cfg.SMTPPort, User: cfg.SMTPUser, Pass: cfg.SMTPPass, From: cfg.From}
	case "resend":
		if cfg.ResendAPIKey == "" {
			return nil, errors.New("mail.resend_api_key is required for the resend provider")
		}
		m = NewResendMailer(cfg.ResendAPIKey, cfg.From)
	case "log", "":
		return LogMailer{}, nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Provider)
	}
	return WithRetry(m, 3, time.Second), nil
}

type retryMailer struct {
	next     Mailer
	attempts uint
	delay    time.Duration
}

// WithRetry retries failed sends with backoff. Errors marked with
// retry.Unrecoverable are returned immediately.
func WithRetry(m Mailer, attempts uint, delay time.Duration) Mailer {
	return &retryMailer{next: m, attempts: attempts, delay: delay}
}

func (r *retryMailer) Send(ctx context.Context, msg Message) error {
	return retry.Do(
		func() error { return r.next.Send(ctx, msg) },
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			zap.L().Warn("Email send failed, retrying", zap.Uint("attempt", n+1), zap.String("to", msg.To), zap.Error(err))
		}),
	)
}

type SMTPMailer struct {
	Host string
	Port string
	User string
	Pass string
	From string
}

func (m *SMTPMailer) Send(_ context.Context, msg Message) error {
	addr := m.Host + ":" + m.Port
	body := buildMessage(m.From, msg)

	var auth smtp.Auth
	if m.User != "" {
		auth = smtp.PlainAuth("", m.User, m.Pass, m.Host)
	}
	if err := smtp.SendMail(addr, auth, envelopeSender(m.From), []string{msg.To}, body); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// buildMessage renders the RFC 5322 message. Header values never carry line
// breaks and non-ASCII text is Q-encoded.
func buildMessage(from string, msg Message) []byte {
	body := "From: " + headerValue(from) + "\r\n" +
		"To: " + headerValue(msg.To) + "\r\n" +
		"Subject: " + headerValue(msg.Subject) + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=\"UTF-8\"\r\n" +
		"\r\n" +
		msg.HTML
	return []byte(body)
}

var headerBreaks = strings.NewReplacer("\r", "", "\n", "")

func headerValue(v string) string {
	return mime.QEncoding.Encode("utf-8", headerBreaks.Replace(v))
}

// envelopeSender strips a display name, "Orba <noreply@orba.app>" -> "noreply@orba.app".
func envelopeSender(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return from
	}
	return addr.Address
}

type ResendMailer struct {
	Client   *http.Client
	APIKey   string
	From     string
	Endpoint string
}

func NewResendMailer(apiKey, from string) *ResendMailer {
	return &ResendMailer{
		Client:   &http.Client{Timeout: 10 * time.Second},
		APIKey:   apiKey,
		From:     from,
		Endpoint: resendEndpoint,
	}
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (m *ResendMailer) Send(ctx context.Context, msg Message) error {
	jsonBody, err := json.Marshal(resendRequest{
		From:    m.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.APIKey)

	resp, err := m.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("resend API returned status %s, body: %s", resp.Status, string(bodyBytes))
		// Client errors will not succeed on retry.
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Unrecoverable(err)
		}
		return err
	}
	return nil
}

// LogMailer only logs the envelope of each message. Bodies can carry reset
// tokens and are never written out. Used for local development.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, msg Message) error {
	zap.L().Info("Email (log provider)", zap.String("to", msg.To), zap.String("subject", msg.Subject), zap.Int("bytes", len(msg.HTML)))
	return nil
}
