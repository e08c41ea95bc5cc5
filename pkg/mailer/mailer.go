// Package mailer sends report e-mails over SMTP.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-reports/pkg/config"
)

// Attachment is a file carried by a Message.
type Attachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Message is an e-mail with a plain-text body and an optional HTML alternative.
type Message struct {
	To          []string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
}

// SendResult reports the outcome of a send. Send never returns a Go error so
// callers can treat delivery as best-effort.
type SendResult struct {
	Success bool
	Error   string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) SendResult
}

// NewSender returns an SMTP sender, or a disabled sender when no host is configured.
func NewSender(cfg config.SMTPConfig, logger *zap.Logger) Sender {
	if !cfg.Enabled() {
		return disabledSender{logger: logger.Named("mailer")}
	}
	return NewSMTPSender(cfg, logger)
}

type disabledSender struct {
	logger *zap.Logger
}

func (s disabledSender) Send(_ context.Context, msg Message) SendResult {
	s.logger.Warn("SMTP not configured, dropping message", zap.String("subject", msg.Subject))
	return SendResult{Error: "smtp is not configured"}
}

// SMTPSender sends mail through a single SMTP relay.
type SMTPSender struct {
	cfg    config.SMTPConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewSMTPSender creates a sender for the configured relay.
func NewSMTPSender(cfg config.SMTPConfig, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{
		cfg:    cfg,
		logger: logger.Named("mailer"),
		now:    time.Now,
	}
}

// Send delivers msg. The whole exchange is bounded by the configured timeout
// and by ctx.
func (s *SMTPSender) Send(ctx context.Context, msg Message) SendResult {
	if err := s.send(ctx, msg); err != nil {
		s.logger.Error("Failed to send e-mail",
			zap.Strings("to", msg.To),
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return SendResult{Error: err.Error()}
	}
	s.logger.Info("E-mail sent", zap.Strings("to", msg.To), zap.String("subject", msg.Subject))
	return SendResult{Success: true}
}

func (s *SMTPSender) send(ctx context.Context, msg Message) error {
	m, err := s.newMsg(msg)
	if err != nil {
		return err
	}

	client, err := gomail.NewClient(s.cfg.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, m)
}

func (s *SMTPSender) clientOptions() []gomail.Option {
	policy := gomail.NoTLS
	if s.cfg.StartTLS {
		policy = gomail.TLSOpportunistic
	}
	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		gomail.WithTLSPolicy(policy),
	}
	if timeout := s.cfg.Timeout(); timeout > 0 {
		opts = append(opts, gomail.WithTimeout(timeout))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password))
	}
	return opts
}

// newMsg builds the MIME message: a plain-text body, an optional HTML
// alternative, and the attachments.
func (s *SMTPSender) newMsg(msg Message) (*gomail.Msg, error) {
	if len(msg.To) == 0 {
		return nil, errors.New("no recipients")
	}

	m := gomail.NewMsg(gomail.WithNoDefaultUserAgent())
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", s.cfg.From, err)
	}
	for _, to := range msg.To {
		if err := m.AddTo(to); err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
	}
	m.Subject(msg.Subject)
	m.SetDateWithValue(s.now())
	m.SetMessageID()

	m.SetBodyString(gomail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	}

	for _, a := range msg.Attachments {
		contentType := gomail.TypeAppOctetStream
		if a.ContentType != "" {
			contentType = gomail.ContentType(a.ContentType)
		}
		if err := m.AttachReader(a.FileName, bytes.NewReader(a.Data), gomail.WithFileContentType(contentType)); err != nil {
			return nil, fmt.Errorf("attach %s: %w", a.FileName, err)
		}
	}
	return m, nil
}
