package mailbox

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net/smtp"

	"github.com/sirupsen/logrus"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/config"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/pkg/types"
)

// Notifier emails a plain-text summary of submission outcomes after a
// message has been processed. It is optional; a nil Notifier or an empty
// NOTIFY_TO disables it, and delivery failures never affect the pipeline.
type Notifier struct {
	cfg    config.NotifyConfig
	logger *logrus.Logger
}

// NewNotifier creates a notifier, or nil when notifications are not configured.
func NewNotifier(cfg config.NotifyConfig, logger *logrus.Logger) *Notifier {
	if cfg.To == "" || cfg.Host == "" {
		return nil
	}
	return &Notifier{cfg: cfg, logger: logger}
}

// NotifyOutcomes sends the per-record outcomes for one processed message.
func (n *Notifier) NotifyOutcomes(msg *types.Message, outcomes []types.Outcome) error {
	subject := fmt.Sprintf("Timesheet relay: %d record(s) from %q", len(outcomes), msg.Subject)
	body := formatOutcomes(msg, outcomes)
	if err := n.send(subject, body); err != nil {
		return fmt.Errorf("failed to send outcome summary: %w", err)
	}
	n.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"to":         n.cfg.To,
	}).Info("Outcome summary sent")
	return nil
}

func formatOutcomes(msg *types.Message, outcomes []types.Outcome) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Message: %s\r\nFrom: %s <%s>\r\n\r\n", msg.Subject, msg.SenderName, msg.SenderEmail)
	if len(outcomes) == 0 {
		buf.WriteString("No attendance records were found in this message.\r\n")
		return buf.String()
	}
	for i, o := range outcomes {
		fmt.Fprintf(&buf, "%d. %s: %s", i+1, o.Record.Summary(), o.Status)
		if o.Reason != "" {
			fmt.Fprintf(&buf, " (%s)", o.Reason)
		}
		buf.WriteString("\r\n")
	}
	return buf.String()
}

// send delivers one plain-text message over SMTP, using implicit TLS on
// port 465 and STARTTLS otherwise.
func (n *Notifier) send(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)

	var auth smtp.Auth
	if n.cfg.Password != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	var cl *smtp.Client
	if n.cfg.Port == 465 {
		conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: n.cfg.Host})
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		cl, err = smtp.NewClient(conn, n.cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to create SMTP client: %w", err)
		}
	} else {
		var err error
		cl, err = smtp.Dial(addr)
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		if err := cl.StartTLS(&tls.Config{ServerName: n.cfg.Host}); err != nil {
			cl.Close()
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	defer cl.Close()

	if auth != nil {
		if err := cl.Auth(auth); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}
	if err := cl.Mail(n.cfg.Username); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := cl.Rcpt(n.cfg.To); err != nil {
		return fmt.Errorf("failed to set recipient %s: %w", n.cfg.To, err)
	}

	w, err := cl.Data()
	if err != nil {
		return fmt.Errorf("failed to send data command: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.Username)
	fmt.Fprintf(&msg, "To: %s\r\n", n.cfg.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	if _, err := w.Write(msg.Bytes()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return cl.Quit()
}
