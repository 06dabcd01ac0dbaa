// Package email sends customer and office mail via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// OfficeEmail receives quote questions; empty disables those notifications.
	OfficeEmail string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   SendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// WithSender replaces the SMTP transport.
func (s *Service) WithSender(send SendFunc) *Service {
	s.send = send
	return s
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-hemtjanst"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type ReminderData struct {
	QuoteTitle string
	QuoteURL   string
	RemindAt   time.Time
}

type QuestionData struct {
	QuoteTitle    string
	CustomerName  string
	CustomerEmail string
	Question      string
}

// SendQuoteReminder reminds a customer to answer a quote they asked to be reminded about.
func (s *Service) SendQuoteReminder(to string, data ReminderData) error {
	html, err := renderTemplate(reminderTemplate, data)
	if err != nil {
		return fmt.Errorf("render reminder template: %w", err)
	}
	text := fmt.Sprintf("Påminnelse: du har en offert att besvara (%s).", data.QuoteTitle)
	if data.QuoteURL != "" {
		text += "\r\n" + data.QuoteURL
	}
	return s.SendHTMLEmail([]string{to}, "Påminnelse om offert: "+data.QuoteTitle, text, html)
}

// NotifyQuoteQuestion forwards a customer's question to the office mailbox.
// It is a no-op when no office address is set.
func (s *Service) NotifyQuoteQuestion(data QuestionData) error {
	if s.config.OfficeEmail == "" {
		return nil
	}
	html, err := renderTemplate(questionTemplate, data)
	if err != nil {
		return fmt.Errorf("render question template: %w", err)
	}
	text := fmt.Sprintf("%s frågar om %s:\r\n%s", data.CustomerName, data.QuoteTitle, data.Question)
	return s.SendHTMLEmail([]string{s.config.OfficeEmail}, "Fråga om offert: "+data.QuoteTitle, text, html)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reminderTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Påminnelse om offert</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #2f6b3f; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <h2>Påminnelse om offert</h2>
    <p>Du bad oss påminna dig om offerten <strong>{{.QuoteTitle}}</strong>.</p>
    {{if .QuoteURL}}<p><a href="{{.QuoteURL}}" class="button">Visa offerten</a></p>{{end}}
    <div class="footer">
        <p>Reminder: you asked us to remind you about the quote "{{.QuoteTitle}}".</p>
    </div>
</body>
</html>`

const questionTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Fråga om offert</title>
</head>
<body>
    <h2>Ny fråga om {{.QuoteTitle}}</h2>
    <p><strong>{{.CustomerName}}</strong>{{if .CustomerEmail}} ({{.CustomerEmail}}){{end}} skriver:</p>
    <blockquote>{{.Question}}</blockquote>
</body>
</html>`
