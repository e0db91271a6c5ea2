package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"papersorter/internal/core"
)

// SMTPConfig carries mail transport settings.
type SMTPConfig struct {
	Host        string
	Port        int
	Encryption  string // "none", "starttls", or "tls"
	Username    string
	Password    string
	FromAddress string
}

// EmailProvider sends one HTML digest per batch to the mailto: recipient of
// the channel.
type EmailProvider struct {
	smtp SMTPConfig
	opts Options

	// send is swapped out by tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailProvider builds an email digest provider.
func NewEmailProvider(cfg SMTPConfig, opts Options) *EmailProvider {
	p := &EmailProvider{smtp: cfg, opts: opts}
	p.send = p.sendSMTP
	return p
}

var digestTemplate = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, Segoe UI, sans-serif; color: #1e293b; max-width: 640px; margin: 0 auto;">
  <h1 style="color: #2563eb;">{{.ChannelName}}: {{.Count}} new papers</h1>
  {{range .Items}}
  <div style="border-bottom: 1px solid #e2e8f0; padding: 12px 0;">
    <h2 style="margin: 0 0 4px 0; font-size: 17px;"><a href="{{.Link}}" style="color: #2563eb; text-decoration: none;">{{.Title}}</a></h2>
    {{if .Authors}}<div style="color: #475569; font-size: 14px;">{{.Authors}}</div>{{end}}
    <div style="color: #64748b; font-size: 13px;">{{.Origin}} &middot; {{.Published}} &middot; score {{.Score}}</div>
    {{if .Summary}}<p style="margin: 6px 0 0 0; font-size: 14px;">{{.Summary}}</p>{{end}}
    {{if .RateURL}}<a href="{{.RateURL}}" style="font-size: 13px; color: #3b82f6;">Rate this paper</a>{{end}}
  </div>
  {{end}}
</body>
</html>`))

type digestItem struct {
	Title     string
	Link      string
	Authors   string
	Origin    string
	Published string
	Score     string
	Summary   string
	RateURL   string
}

type digestData struct {
	ChannelName string
	Count       int
	Items       []digestItem
}

// Send renders and mails one digest covering all items.
func (p *EmailProvider) Send(ctx context.Context, ch *core.Channel, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	recipient := strings.TrimPrefix(ch.Endpoint, "mailto:")
	if recipient == "" || !strings.Contains(recipient, "@") {
		return core.Permanent(fmt.Errorf("channel %q has invalid mail endpoint %q", ch.Name, ch.Endpoint))
	}

	subject := fmt.Sprintf("%s: %d new papers (%s)", ch.Name, len(items), time.Now().Format("Jan 2, 2006"))
	msg, err := p.buildMessage(ch, recipient, subject, items)
	if err != nil {
		return core.Permanent(err)
	}

	addr := net.JoinHostPort(p.smtp.Host, fmt.Sprintf("%d", p.smtp.Port))
	var auth smtp.Auth
	if p.smtp.Username != "" {
		auth = smtp.PlainAuth("", p.smtp.Username, p.smtp.Password, p.smtp.Host)
	}
	if err := p.send(addr, auth, p.smtp.FromAddress, []string{recipient}, msg); err != nil {
		// SMTP failures are almost always connectivity or greylisting.
		return core.Transient(fmt.Errorf("send digest to %s: %w", recipient, err))
	}
	return nil
}

// buildMessage assembles a multipart/alternative message with plain-text and
// HTML bodies.
func (p *EmailProvider) buildMessage(ch *core.Channel, to, subject string, items []Item) ([]byte, error) {
	data := digestData{ChannelName: ch.Name, Count: len(items)}
	var plain strings.Builder
	for _, item := range items {
		a := item.Article
		data.Items = append(data.Items, digestItem{
			Title:     a.Title,
			Link:      a.Link,
			Authors:   formatAuthors(a.Authors),
			Origin:    a.Origin,
			Published: formatPublished(a.Published),
			Score:     scorePercent(item.Score),
			Summary:   truncate(firstNonEmpty(a.TLDR, a.Content), 400),
			RateURL:   articleURL(p.opts.BaseURL, a.ID),
		})
		fmt.Fprintf(&plain, "%s (%s)\n%s\n%s · %s · score %s\n\n",
			a.Title, formatAuthors(a.Authors), a.Link,
			a.Origin, formatPublished(a.Published), scorePercent(item.Score))
	}

	var html bytes.Buffer
	if err := digestTemplate.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("render digest: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", p.smtp.FromAddress)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", writer.Boundary())

	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	part.Write([]byte(plain.String()))

	part, err = writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/html; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	part.Write(html.Bytes())

	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sendSMTP delivers via the configured transport security mode.
func (p *EmailProvider) sendSMTP(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	switch p.smtp.Encryption {
	case "tls":
		return p.sendImplicitTLS(addr, auth, from, to, msg)
	case "starttls", "none", "":
		// smtp.SendMail negotiates STARTTLS automatically when offered.
		return smtp.SendMail(addr, auth, from, to, msg)
	default:
		return fmt.Errorf("unknown smtp encryption mode %q", p.smtp.Encryption)
	}
}

func (p *EmailProvider) sendImplicitTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: p.smtp.Host})
	if err != nil {
		return err
	}
	client, err := smtp.NewClient(conn, p.smtp.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
