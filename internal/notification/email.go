// Package notification sends operator-facing email alerts when a peer's
// connection cap pressure sustains into ALARMING, grounded on the
// teacher's SMTP notifier.
package notification

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"time"

	"github.com/smukkama/cnxnfactory/internal/protocol"
	"github.com/smukkama/cnxnfactory/pkg/config"
)

// EmailNotifier sends cap-alarm email notifications over SMTP.
type EmailNotifier struct {
	config *config.SMTPConfig
}

func NewEmailNotifier(cfg *config.SMTPConfig) *EmailNotifier {
	return &EmailNotifier{config: cfg}
}

// SendAlarmNotification renders and sends an email for a cap alarm
// transition.
func (e *EmailNotifier) SendAlarmNotification(notification *protocol.CapAlarmNotification) error {
	var subject, body string
	var err error

	switch notification.Type {
	case protocol.AlarmTypeTriggered:
		subject = fmt.Sprintf("Connection cap ALARM triggered - %s", notification.RemoteAddr)
		body, err = e.renderTriggeredTemplate(notification)
	case protocol.AlarmTypeCleared:
		subject = fmt.Sprintf("Connection cap ALARM cleared - %s", notification.RemoteAddr)
		body, err = e.renderClearedTemplate(notification)
	default:
		return fmt.Errorf("notification: unknown alarm type %s", notification.Type)
	}
	if err != nil {
		return fmt.Errorf("notification: render template: %w", err)
	}

	return e.sendEmail(subject, body)
}

func (e *EmailNotifier) renderTriggeredTemplate(n *protocol.CapAlarmNotification) (string, error) {
	const tmpl = `
Connection Cap Alarm Triggered
===============================

Peer: {{.RemoteAddr}}
Rejections: {{.Rejections}}
Window: {{.WindowMs}}ms
Start Time: {{.StartTime}}
Alarm ID: {{.AlarmID}}

{{.RemoteAddr}} has been rejected at the per-peer connection cap
continuously since {{.StartTime}}. Investigate whether this is a
misbehaving client or a cap that needs raising.
`
	return renderTemplate("triggered", tmpl, n)
}

func (e *EmailNotifier) renderClearedTemplate(n *protocol.CapAlarmNotification) (string, error) {
	const tmpl = `
Connection Cap Alarm Cleared
=============================

Peer: {{.RemoteAddr}}
Alarm ID: {{.AlarmID}}

{{.RemoteAddr}} has dropped back under the per-peer connection cap.
`
	return renderTemplate("cleared", tmpl, n)
}

func renderTemplate(name, tmpl string, n *protocol.CapAlarmNotification) (string, error) {
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	if e.config.Username == "" || e.config.Password == "" {
		fmt.Printf("notification: SMTP not configured, skipping email:\nSubject: %s\n%s\n", subject, body)
		return nil
	}

	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", e.config.To)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	message += "\r\n" + body

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := smtp.SendMail(addr, auth, e.config.From, []string{e.config.To}, []byte(message)); err != nil {
		return fmt.Errorf("notification: send email: %w", err)
	}

	fmt.Printf("notification: sent %q\n", subject)
	return nil
}

// TestConnection verifies SMTP connectivity without sending a message.
func (e *EmailNotifier) TestConnection() error {
	if e.config.Username == "" {
		return fmt.Errorf("notification: SMTP not configured")
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("notification: connect to SMTP server: %w", err)
	}
	defer client.Close()
	return nil
}
