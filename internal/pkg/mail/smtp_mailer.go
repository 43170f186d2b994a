package mail

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/mayone/pledges/internal/pkg/config"
)

// Message is one outgoing email. Either body may be empty.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Mailer delivers a Message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends emails via SMTP
type SMTPMailer struct {
	addr   string
	auth   smtp.Auth
	sender string
	send   sendFunc
}

// NewMailer returns an SMTP mailer, or a log-only mailer when no SMTP host
// is configured.
func NewMailer(cfg config.MailConfig) Mailer {
	if cfg.SMTPHost == "" {
		log.Warn("[Mail] SMTP_HOST not set, emails will only be logged")
		return LogMailer{Sender: cfg.Sender}
	}
	return NewSMTPMailer(cfg)
}

func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	var auth smtp.Auth
	if cfg.SMTPUser != "" && cfg.SMTPPassword != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPHost)
	}
	return &SMTPMailer{
		addr:   fmt.Sprintf("%s:%s", cfg.SMTPHost, cfg.SMTPPort),
		auth:   auth,
		sender: cfg.Sender,
		send:   smtp.SendMail,
	}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := buildMessage(m.sender, msg, time.Now())
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	from := m.sender
	if addr, err := parseAddress(m.sender); err == nil {
		from = addr
	}
	if err := m.send(m.addr, m.auth, from, []string{msg.To}, body); err != nil {
		log.Errorf("[Mail] SMTP send error: %v", err)
		return err
	}
	log.Infof("[Mail] Email sent to %s via %s", msg.To, m.addr)
	return nil
}

// buildMessage renders msg as multipart/alternative with the plaintext part
// first, so clients prefer HTML when they can show it.
func buildMessage(sender string, msg Message, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", sender)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())

	parts := []struct{ contentType, body string }{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LogMailer writes messages to the log instead of sending them. Used in
// development.
type LogMailer struct {
	Sender string
}

func (l LogMailer) Send(_ context.Context, msg Message) error {
	log.Infof("[Mail] (not sent) from=%q to=%q subject=%q\n%s", l.Sender, msg.To, msg.Subject, msg.Text)
	return nil
}
