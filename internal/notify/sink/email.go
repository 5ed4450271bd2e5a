package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"warwatch/internal/storage"
	logx "warwatch/pkg/logx"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSink sends jobs over SMTP. The authenticated client is dialed lazily
// and reused across sends; any send error discards it so the next send
// redials. Sends are serialized — an SMTP session is a single conversation.
type EmailSink struct {
	cfg EmailConfig
	log logx.Logger

	mu     sync.Mutex
	conn   net.Conn
	client *smtp.Client
}

func NewEmailSink(cfg EmailConfig, log logx.Logger) *EmailSink {
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &EmailSink{cfg: cfg, log: log}
}

func (s *EmailSink) Send(ctx context.Context, job storage.NotificationJob) error {
	to := strings.TrimSpace(job.Recipient)
	if to == "" {
		return Permanent("email job %s has no recipient", job.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.connect(ctx)
	if err != nil {
		// Connection-level problems are transient by definition.
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(deadline)
	}

	if err := s.submit(c, to, job); err != nil {
		// Drop the session; the SMTP state is unknown after a failure.
		s.reset()
		return classifySMTP(err)
	}
	return nil
}

func (s *EmailSink) connect(ctx context.Context) (*smtp.Client, error) {
	if s.client != nil {
		// Cheap liveness probe; a dead connection shows up here instead of
		// mid-transaction.
		if err := s.client.Noop(); err == nil {
			return s.client, nil
		}
		s.reset()
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("smtp starttls: %w", err)
		}
	}

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := c.Auth(auth); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}

	s.conn = conn
	s.client = c
	s.log.Debug("smtp session established", logx.String("addr", addr))
	return c, nil
}

func (s *EmailSink) submit(c *smtp.Client, to string, job storage.NotificationJob) error {
	if err := c.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	msg := buildMessage(s.cfg.From, to, job.Subject, job.Body)
	if _, err := w.Write([]byte(msg)); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return nil
}

func (s *EmailSink) reset() {
	if s.client != nil {
		_ = s.client.Close()
	}
	s.client = nil
	s.conn = nil
}

// Close tears down the cached SMTP session, if any.
func (s *EmailSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func buildMessage(from, to, subject, body string) string {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	if strings.TrimSpace(subject) != "" {
		b.WriteString("Subject: " + subject + "\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.String()
}

// classifySMTP maps SMTP reply codes onto the retry taxonomy: 5xx replies
// are permanent rejections, everything else (4xx, I/O, timeouts) is
// transient. When the transport cannot tell, default to transient.
func classifySMTP(err error) error {
	var te *textproto.Error
	if errors.As(err, &te) && te.Code >= 500 && te.Code < 600 {
		return &PermanentError{Err: err}
	}
	return err
}
