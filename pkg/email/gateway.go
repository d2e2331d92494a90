package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
)

// Gateway delivers caller messages to staff recipients
type Gateway interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// SMTPConfig holds outbound mail settings
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	DialTimeout time.Duration
}

// SMTPGateway sends messages over SMTP. Port 465 uses implicit TLS; any
// other port negotiates STARTTLS after the handshake.
type SMTPGateway struct {
	logger *logrus.Logger
	config SMTPConfig
}

// NewSMTPGateway creates an SMTP message gateway
func NewSMTPGateway(logger *logrus.Logger, config SMTPConfig) (*SMTPGateway, error) {
	if config.Host == "" {
		return nil, errors.NewInvalidInput("smtp host is required", nil)
	}
	if config.FromAddress == "" {
		return nil, errors.NewInvalidInput("smtp from address is required", nil)
	}
	if config.Port <= 0 {
		config.Port = 587
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}

	return &SMTPGateway{logger: logger, config: config}, nil
}

// Send delivers one message. The context deadline bounds the whole exchange.
func (g *SMTPGateway) Send(ctx context.Context, recipient, subject, body string) error {
	start := time.Now()

	client, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if g.config.Username != "" {
		auth := smtp.PlainAuth("", g.config.Username, g.config.Password, g.config.Host)
		if err := client.Auth(auth); err != nil {
			return errors.Wrap(err, "smtp authentication failed", nil)
		}
	}

	if err := client.Mail(g.config.FromAddress); err != nil {
		return errors.Wrap(err, "smtp sender rejected", nil)
	}
	if err := client.Rcpt(recipient); err != nil {
		return errors.Wrap(err, "smtp recipient rejected",
			map[string]interface{}{"recipient": recipient})
	}

	writer, err := client.Data()
	if err != nil {
		return errors.Wrap(err, "smtp data command failed", nil)
	}
	if _, err := writer.Write([]byte(buildMessage(g.config.FromAddress, recipient, subject, body))); err != nil {
		writer.Close()
		return errors.Wrap(err, "smtp body write failed", nil)
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "smtp message not accepted", nil)
	}

	if err := client.Quit(); err != nil {
		g.logger.WithError(err).Debug("SMTP quit failed after accepted message")
	}

	g.logger.WithFields(logrus.Fields{
		"recipient": recipient,
		"duration":  time.Since(start).String(),
	}).Info("Message email delivered")
	return nil
}

func (g *SMTPGateway) connect(ctx context.Context) (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", g.config.Host, g.config.Port)

	dialer := net.Dialer{Timeout: g.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "smtp dial failed",
			map[string]interface{}{"addr": addr})
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	tlsConfig := &tls.Config{ServerName: g.config.Host}

	if g.config.Port == 465 {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, g.config.Host)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "smtp handshake failed", nil)
	}

	if g.config.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, errors.Wrap(err, "smtp starttls failed", nil)
			}
		}
	}

	return client, nil
}

// buildMessage assembles RFC 5322 headers plus the body
func buildMessage(from, to, subject, body string) string {
	headers := map[string]string{
		"From":         from,
		"To":           to,
		"Subject":      subject,
		"MIME-Version": "1.0",
		"Content-Type": `text/plain; charset="utf-8"`,
		"Date":         time.Now().Format(time.RFC1123Z),
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, headers[k])
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}
