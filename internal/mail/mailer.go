// Package mail sends transactional email through an SMTP relay.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotConfigured is returned by Send when no SMTP host is configured.
	ErrNotConfigured = errors.New("mail relay not configured")

	// ErrInvalidMessage is returned when a message has no recipient or body.
	ErrInvalidMessage = errors.New("invalid mail message")
)

// Message is a single outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string // derived from HTML when empty
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Secure   bool // implicit TLS, usually port 465
	Timeout  time.Duration
}

// SMTPMailer sends mail through a plain SMTP relay.
type SMTPMailer struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// NewSMTPMailer creates an SMTPMailer. An empty Host is allowed; Send then
// fails with ErrNotConfigured.
func NewSMTPMailer(cfg SMTPConfig, logger *slog.Logger) *SMTPMailer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.From == "" {
		cfg.From = "no-reply@localhost"
	}
	return &SMTPMailer{cfg: cfg, logger: logger}
}

// Configured reports whether a relay host is set.
func (m *SMTPMailer) Configured() bool {
	return m.cfg.Host != ""
}

// Send delivers msg. It honours ctx cancellation while dialing and sets a
// connection deadline from the earlier of ctx and the configured timeout.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if !m.Configured() {
		return ErrNotConfigured
	}
	if msg.To == "" || (msg.HTML == "" && msg.Text == "") {
		return ErrInvalidMessage
	}
	if msg.Text == "" {
		msg.Text = PlainText(msg.HTML)
	}

	body, err := buildMessage(m.cfg.From, msg)
	if err != nil {
		return err
	}

	if err := m.deliver(ctx, msg.To, body); err != nil {
		m.logger.ErrorContext(ctx, "smtp send failed",
			slog.String("host", m.cfg.Host),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("smtp send: %w", err)
	}

	m.logger.InfoContext(ctx, "email sent",
		slog.String("host", m.cfg.Host),
		slog.String("subject", msg.Subject),
	)
	return nil
}

func (m *SMTPMailer) deliver(ctx context.Context, to string, body []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if m.cfg.Secure {
		conn = tls.Client(conn, &tls.Config{ServerName: m.cfg.Host})
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if !m.cfg.Secure {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
				return err
			}
		}
	}
	if m.cfg.Username != "" && m.cfg.Password != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(m.cfg.From); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// buildMessage renders a multipart/alternative message with text and HTML parts.
func buildMessage(from string, msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())

	parts := []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	}
	for _, p := range parts {
		if p.content == "" {
			continue
		}
		pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(p.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var (
	tagPattern       = regexp.MustCompile(`<[^>]*>`)
	blankLinePattern = regexp.MustCompile(`\n{3,}`)
)

// PlainText strips markup from an HTML body for the text/plain alternative.
func PlainText(body string) string {
	text := html.UnescapeString(tagPattern.ReplaceAllString(body, ""))
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text = blankLinePattern.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}
