package notifier

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/kjstillabower/sonde-alert-service/internal/models"
	"github.com/kjstillabower/sonde-alert-service/internal/observability"
)

// TLS modes for the SMTP connection.
const (
	TLSImplicit = "implicit" // TLS from the first byte, usually port 465
	TLSStartTLS = "starttls" // plain connect then STARTTLS, usually port 587
)

// Notifier delivers one alert for one sonde.
type Notifier interface {
	Send(ctx context.Context, s models.Sonde, distanceKm float64) error
}

// NotifyError reports a failed alert delivery for a sonde id.
type NotifyError struct {
	ID  string
	Err error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.ID, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

var errStartTLSUnsupported = errors.New("server does not support STARTTLS")

// Config configures an SMTPNotifier.
type Config struct {
	Host     string
	Port     int
	TLSMode  string
	Username string
	Password string
	From     string
	To       string
	Timeout  time.Duration
	// TLSConfig overrides the client TLS settings; ServerName defaults to Host.
	TLSConfig *tls.Config
}

// SMTPNotifier sends alerts as e-mail over an authenticated TLS SMTP session.
// It makes exactly one delivery attempt per Send.
type SMTPNotifier struct {
	cfg  Config
	addr string
	now  func() time.Time
}

// NewSMTPNotifier validates cfg and returns a notifier.
func NewSMTPNotifier(cfg Config) (*SMTPNotifier, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("smtp host and port are required")
	}
	if cfg.From == "" || cfg.To == "" {
		return nil, fmt.Errorf("smtp sender and recipient are required")
	}
	switch cfg.TLSMode {
	case "":
		cfg.TLSMode = TLSImplicit
	case TLSImplicit, TLSStartTLS:
	default:
		return nil, fmt.Errorf("unknown smtp tls mode %q", cfg.TLSMode)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPNotifier{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		now:  time.Now,
	}, nil
}

// Send delivers the alert for s. Any failure is returned as *NotifyError.
func (n *SMTPNotifier) Send(ctx context.Context, s models.Sonde, distanceKm float64) error {
	start := time.Now()
	msg := composeMessage(n.cfg.From, n.cfg.To, Subject(s, distanceKm), Body(s, distanceKm),
		messageDomain(n.cfg.From, n.cfg.Host), n.now())

	err := n.deliver(ctx, msg)
	status := "sent"
	if err != nil {
		status = "failed"
	}
	observability.NotificationsTotal.WithLabelValues(status).Inc()
	observability.NotifyDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if err != nil {
		return &NotifyError{ID: s.ID, Err: err}
	}
	return nil
}

func (n *SMTPNotifier) deliver(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	conn, err := n.dial(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Closing the connection unblocks any in-flight SMTP command on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if n.cfg.TLSMode == TLSStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return errStartTLSUnsupported
		}
		if err := c.StartTLS(n.tlsConfig()); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}

	if n.cfg.Username != "" {
		auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(n.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(n.cfg.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end data: %w", err)
	}
	// The message is queued once DATA is accepted; a QUIT failure does not undo it.
	_ = c.Quit()
	return nil
}

func (n *SMTPNotifier) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{}
	if n.cfg.TLSMode == TLSImplicit {
		td := &tls.Dialer{NetDialer: d, Config: n.tlsConfig()}
		conn, err := td.DialContext(ctx, "tcp", n.addr)
		if err != nil {
			return nil, fmt.Errorf("smtp dial tls %s: %w", n.addr, err)
		}
		return conn, nil
	}
	conn, err := d.DialContext(ctx, "tcp", n.addr)
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", n.addr, err)
	}
	return conn, nil
}

func (n *SMTPNotifier) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if n.cfg.TLSConfig != nil {
		cfg = n.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = n.cfg.Host
	}
	return cfg
}
