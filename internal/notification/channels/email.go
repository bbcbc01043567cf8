package channels

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"

	"ms-booking/internal/retry"
)

type EmailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers notifications over SMTP.
type EmailSender struct {
	addr     string
	from     string
	auth     smtp.Auth
	sendMail sendMailFunc
}

func NewEmailSender(cfg EmailConfig) *EmailSender {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &EmailSender{
		addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		from:     from,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

// Send renders template with data and mails it to recipient. Malformed
// addresses and 5xx SMTP replies are permanent.
func (e *EmailSender) Send(ctx context.Context, recipient, template string, data map[string]any) error {
	addr, err := mail.ParseAddress(recipient)
	if err != nil {
		return retry.Permanent(fmt.Errorf("invalid email recipient %q: %w", recipient, err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := Title(template, data)
	if v, ok := data["subject"].(string); ok && v != "" {
		subject = v
	}
	// Caller data must not be able to start a new header line.
	subject = mime.QEncoding.Encode("utf-8", headerBreaks.Replace(subject))

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", e.from)
	fmt.Fprintf(&msg, "To: %s\r\n", addr.Address)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	msg.WriteString(Body(data))
	msg.WriteString("\r\n")

	err = e.sendMail(e.addr, e.auth, e.from, []string{addr.Address}, msg.Bytes())
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return retry.Permanent(fmt.Errorf("smtp rejected message: %w", err))
	}
	return err
}
