package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	StartTLS bool
	Timeout  time.Duration
}

// SMTP keeps one connection open across sends and re-dials after a
// connection-level failure. Sends are serialized.
type SMTP struct {
	cfg SMTPConfig

	mu     sync.Mutex
	conn   net.Conn
	client *smtp.Client
	dials  int
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTP{cfg: cfg}
}

func (s *SMTP) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensure(ctx); err != nil {
		return &Error{Provider: "smtp", Code: "connect", Err: err}
	}
	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetDeadline(deadline)

	if err := s.deliver(msg); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *SMTP) deliver(msg Message) error {
	if err := s.client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := s.client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(s.build(msg)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

// fail classifies a delivery error. Protocol replies keep the connection
// (after RSET); anything else drops it so the next send re-dials.
func (s *SMTP) fail(err error) error {
	var tpe *textproto.Error
	if errors.As(err, &tpe) {
		if s.client.Reset() != nil {
			s.drop()
		}
		return &Error{Provider: "smtp", Code: strconv.Itoa(tpe.Code), Permanent: tpe.Code >= 500, Err: err}
	}
	s.drop()
	return &Error{Provider: "smtp", Code: "io", Err: err}
}

func (s *SMTP) ensure(ctx context.Context) error {
	if s.client != nil {
		_ = s.conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
		if s.client.Noop() == nil {
			return nil
		}
		s.drop()
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if s.cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			_ = client.Close()
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.cfg.Username != "" && s.cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			_ = client.Close()
			return fmt.Errorf("auth: %w", err)
		}
	}
	s.conn, s.client = conn, client
	s.dials++
	return nil
}

func (s *SMTP) drop() {
	if s.client != nil {
		_ = s.client.Close()
	}
	s.client, s.conn = nil, nil
}

// Close ends the session with QUIT.
func (s *SMTP) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Quit()
	s.client, s.conn = nil, nil
	return err
}

// stripBreaks keeps caller-supplied header fields on one line.
var stripBreaks = strings.NewReplacer("\r", "", "\n", "")

func (s *SMTP) build(msg Message) []byte {
	var b strings.Builder
	from := mail.Address{Name: s.cfg.FromName, Address: s.cfg.From}
	to := mail.Address{Name: msg.Name, Address: msg.To}
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", stripBreaks.Replace(k), stripBreaks.Replace(msg.Headers[k]))
	}

	switch {
	case msg.HTML != "" && msg.Text != "":
		boundary := "campaignd-" + strconv.FormatInt(time.Now().UnixNano(), 36)
		fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
		fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, msg.Text)
		fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, msg.HTML)
		fmt.Fprintf(&b, "--%s--\r\n", boundary)
	case msg.HTML != "":
		fmt.Fprintf(&b, "Content-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", msg.HTML)
	default:
		fmt.Fprintf(&b, "Content-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", msg.Text)
	}
	return []byte(b.String())
}
