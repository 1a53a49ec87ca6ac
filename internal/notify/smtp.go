package notify

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"pulse/internal/models"
)

// SMTPConfig is the mail relay used for alert email.
type SMTPConfig struct {
	Host   string
	Port   int
	Secure bool // implicit TLS; otherwise STARTTLS when offered
	User   string
	Pass   string
	From   string

	// Timeout bounds one whole send; zero means DefaultSendTimeout.
	Timeout time.Duration
}

// DefaultSendTimeout bounds dial, handshake and the SMTP dialogue.
const DefaultSendTimeout = 30 * time.Second

// SMTP sends alert email through a relay.
type SMTP struct {
	cfg  SMTPConfig
	now  func() time.Time
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// ErrNoRecipient is returned when a monitor has no address to notify.
var ErrNoRecipient = errors.New("no recipient")

// NewSMTP returns an SMTP notifier.
func NewSMTP(cfg SMTPConfig) *SMTP {
	d := &net.Dialer{Timeout: 10 * time.Second}
	return &SMTP{cfg: cfg, now: time.Now, dial: d.DialContext}
}

func (s *SMTP) SendAlert(ctx context.Context, recipient string, m models.Monitor, _ models.AlertState, cause string) error {
	return s.send(ctx, recipient, alertSubject(m), alertBody(m, cause, s.now()))
}

func (s *SMTP) SendRecoveryNotice(ctx context.Context, recipient string, m models.Monitor) error {
	return s.send(ctx, recipient, recoverySubject(m), recoveryBody(m, s.now()))
}

func (s *SMTP) send(ctx context.Context, to, subject, text string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return ErrNoRecipient
	}
	fromAddr := extractEmail(s.cfg.From)
	msg := composeMessage(s.cfg.From, to, subject, text, s.now())

	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	if s.cfg.Secure {
		tc := tls.Client(conn, &tls.Config{ServerName: s.cfg.Host})
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("smtp tls: %w", err)
		}
		conn = tc
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if !s.cfg.Secure {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if s.cfg.User != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, s.cfg.Host)); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}
	if err := c.Mail(fromAddr); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	return c.Quit()
}

func composeMessage(from, to, subject, text string, at time.Time) []byte {
	var body bytes.Buffer
	qp := quotedprintable.NewWriter(&body)
	_, _ = qp.Write([]byte(text))
	_ = qp.Close()

	fromAddr := extractEmail(from)
	var b bytes.Buffer
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("UTF-8", subject) + "\r\n")
	b.WriteString("Date: " + at.UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("Message-ID: <" + newMsgID() + "@" + domainOf(fromAddr) + ">\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	b.WriteString("\r\n")
	b.Write(body.Bytes())
	return b.Bytes()
}

func extractEmail(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "<"); i >= 0 {
		if j := strings.Index(s, ">"); j > i {
			return strings.TrimSpace(s[i+1 : j])
		}
	}
	return s
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i+1 < len(email) {
		return email[i+1:]
	}
	return "localhost"
}

func newMsgID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b[:])
}
