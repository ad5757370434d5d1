package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/mailpacer/internal/config"
	"github.com/unclebandit/mailpacer/internal/dkim"
)

// dial opens the transport connection; swapped in tests.
var dial = func(ctx context.Context, addr string, tlsConf *tls.Config, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	if tlsConf != nil {
		return (&tls.Dialer{NetDialer: d, Config: tlsConf}).DialContext(ctx, "tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

// SMTPSender submits messages to a relay with authentication. SMTP_SECURE
// selects implicit TLS (usually port 465); otherwise STARTTLS is used when
// the server offers it.
type SMTPSender struct {
	cfg    config.SMTPConfig
	signer *dkim.Signer
	log    *zap.Logger
	now    func() time.Time
	helo   string
}

func NewSMTPSender(cfg config.SMTPConfig, signer *dkim.Signer, log *zap.Logger) *SMTPSender {
	if log == nil {
		log = zap.NewNop()
	}
	helo, err := os.Hostname()
	if err != nil || helo == "" {
		helo = "localhost"
	}
	return &SMTPSender{cfg: cfg, signer: signer, log: log, now: time.Now, helo: helo}
}

func (s *SMTPSender) from() *mail.Address {
	return &mail.Address{Name: s.cfg.SenderName, Address: s.cfg.User}
}

func (s *SMTPSender) messageID() string {
	domain := s.cfg.Domain()
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// Send builds, signs and transmits env. It returns the Message-ID header.
func (s *SMTPSender) Send(ctx context.Context, env Envelope) (string, error) {
	from := s.from()
	id := s.messageID()
	msg, err := buildMessage(header{
		from:      from.String(),
		to:        env.To,
		subject:   env.Subject,
		messageID: id,
		date:      s.now(),
	}, env)
	if err != nil {
		return "", err
	}
	if msg, err = s.signer.Sign(msg); err != nil {
		return "", err
	}
	if err := s.transmit(ctx, from.Address, env.To, msg); err != nil {
		return "", err
	}
	s.log.Debug("smtp accepted message", zap.String("to", env.To), zap.String("message_id", id))
	return id, nil
}

func (s *SMTPSender) transmit(ctx context.Context, from, to string, data []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tlsConf := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}

	var implicit *tls.Config
	if s.cfg.Secure {
		implicit = tlsConf
	}
	conn, err := dial(ctx, addr, implicit, timeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(s.helo); err != nil {
		return fmt.Errorf("helo: %w", err)
	}
	if !s.cfg.Secure {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConf); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if ok, _ := client.Extension("AUTH"); ok && s.cfg.User != "" {
		auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

var _ Sender = (*SMTPSender)(nil)
