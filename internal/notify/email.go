package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// messageTemplate is the outbound mail body. Headers are joined with
// CRLF after rendering.
var messageTemplate = template.Must(template.New("email").Parse(
	`From: {{.From}}
To: {{.To}}
Subject: {{.Subject}}
Date: {{.Date}}
MIME-Version: 1.0
Content-Type: text/plain; charset=UTF-8

{{.Notification}}
{{if .Sources}}
Sources:
{{range .Sources}}  - {{if .Title}}{{.Title}} - {{end}}{{.URI}}
{{end}}{{end}}
Task: {{.TaskName}}
Execution: {{.ExecutionID}}
`))

// SMTPConfig locates the outbound mail relay.
type SMTPConfig struct {
	// Host is the relay hostname.
	Host string

	// Port is the relay port, typically 587 for submission.
	Port int

	// Username and Password authenticate against the relay when set.
	Username string
	Password string

	// From is the envelope and header sender address.
	From string
}

// EmailSender delivers payloads over SMTP.
type EmailSender struct {
	config SMTPConfig
	logger *slog.Logger
}

// NewEmailSender creates an SMTP sender. A nil logger falls back to the
// process default.
func NewEmailSender(config SMTPConfig, logger *slog.Logger) *EmailSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailSender{
		config: config,
		logger: logger.With("component", "email"),
	}
}

// Send submits the payload to the channel address through the
// configured relay. SMTP 5yz replies and unparseable addresses are
// permanent; 4yz replies and network failures are transient. The
// context deadline bounds the whole session.
func (s *EmailSender) Send(ctx context.Context, channel Channel, payload *Payload) error {
	if _, err := mail.ParseAddress(channel.Address); err != nil {
		return &AttemptError{Permanent: true, Err: fmt.Errorf("invalid address %q: %v", channel.Address, err)}
	}

	msg, err := s.buildMessage(channel.Address, payload)
	if err != nil {
		return &AttemptError{Permanent: true, Err: fmt.Errorf("build message: %w", err)}
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &AttemptError{Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return &AttemptError{Err: fmt.Errorf("set deadline: %w", err)}
		}
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return classifySMTP(err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
			return classifySMTP(err)
		}
	}
	if s.config.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
			if err := client.Auth(auth); err != nil {
				return classifySMTP(err)
			}
		}
	}

	if err := client.Mail(s.config.From); err != nil {
		return classifySMTP(err)
	}
	if err := client.Rcpt(channel.Address); err != nil {
		return classifySMTP(err)
	}
	writer, err := client.Data()
	if err != nil {
		return classifySMTP(err)
	}
	if _, err := writer.Write(msg); err != nil {
		return &AttemptError{Err: fmt.Errorf("write message: %w", err)}
	}
	if err := writer.Close(); err != nil {
		return classifySMTP(err)
	}

	// The message is accepted once DATA completes; a failed QUIT is not
	// a delivery failure.
	if err := client.Quit(); err != nil {
		s.logger.Debug("smtp quit failed", "error", err)
	}

	s.logger.Debug("email delivered",
		"execution_id", payload.ExecutionID,
		"to", channel.Address)
	return nil
}

func (s *EmailSender) buildMessage(to string, payload *Payload) ([]byte, error) {
	var buf bytes.Buffer
	err := messageTemplate.Execute(&buf, struct {
		From         string
		To           string
		Subject      string
		Date         string
		Notification string
		Sources      []Source
		TaskName     string
		ExecutionID  string
	}{
		From:         s.config.From,
		To:           to,
		Subject:      sanitizeHeader("[Torale] " + payload.TaskName),
		Date:         time.Now().UTC().Format(time.RFC1123Z),
		Notification: payload.Notification,
		Sources:      payload.Sources,
		TaskName:     payload.TaskName,
		ExecutionID:  payload.ExecutionID,
	})
	if err != nil {
		return nil, err
	}
	// SMTP wants CRLF line endings.
	out := strings.ReplaceAll(buf.String(), "\r\n", "\n")
	out = strings.ReplaceAll(out, "\n", "\r\n")
	return []byte(out), nil
}

// sanitizeHeader strips CR and LF so user-supplied text cannot inject
// message headers.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	return strings.ReplaceAll(v, "\n", " ")
}

func classifySMTP(err error) *AttemptError {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return &AttemptError{Permanent: true, Err: err}
	}
	return &AttemptError{Err: err}
}
