// Package notify sends archive build notifications by email.
package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/config"
	"github.com/prn-tf/nautilus/internal/domain"
)

//go:embed templates/*.html
var templatesFS embed.FS

var buildTemplate = template.Must(template.ParseFS(templatesFS, "templates/build_notification.html"))

// BuildNotification describes a build status change of an archive.
type BuildNotification struct {
	To          string
	Archive     *domain.Archive
	ProjectName string
	TaskStatus  string
	DownloadURL string
}

// Notifier sends build notifications.
type Notifier interface {
	NotifyBuild(ctx context.Context, n BuildNotification) error
}

// templateData is the rendering context of the notification email.
type templateData struct {
	Status      string
	Title       string
	Size        string
	DownloadURL string
	ProjectURL  string
	ShortID     string
	ProjectName string
}

// Render returns the subject and HTML body of a notification.
func Render(n BuildNotification, publicURL string) (string, string, error) {
	data := templateData{
		Status:      n.TaskStatus,
		Title:       n.Archive.Config.Title,
		DownloadURL: n.DownloadURL,
		ProjectURL:  strings.TrimSuffix(publicURL, "/") + "/projects/" + n.Archive.ProjectID.String(),
		ShortID:     n.Archive.ID.String()[:5],
		ProjectName: n.ProjectName,
	}
	if data.Title == "" {
		data.Title = n.Archive.Config.Name
	}
	if n.Archive.Filesize != nil {
		data.Size = humanize.IBytes(uint64(*n.Archive.Filesize))
	}

	var body bytes.Buffer
	if err := buildTemplate.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("failed to render notification: %w", err)
	}

	subject := fmt.Sprintf("ZIM %s: %s", data.Title, n.TaskStatus)
	return subject, body.String(), nil
}

// Mailgun sends notifications through the Mailgun messages API.
type Mailgun struct {
	client    *resty.Client
	from      string
	publicURL string
	logger    zerolog.Logger
}

// NewMailgun creates a Mailgun notifier.
func NewMailgun(cfg config.MailgunConfig, publicURL string, logger zerolog.Logger) *Mailgun {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Mailgun{
		client: resty.New().
			SetBaseURL(strings.TrimSuffix(cfg.APIURL, "/")).
			SetBasicAuth("api", cfg.APIKey).
			SetTimeout(timeout),
		from:      cfg.From,
		publicURL: publicURL,
		logger:    logger.With().Str("component", "mailgun").Logger(),
	}
}

// NotifyBuild renders and sends the notification.
func (m *Mailgun) NotifyBuild(ctx context.Context, n BuildNotification) error {
	subject, html, err := Render(n, m.publicURL)
	if err != nil {
		return err
	}

	resp, err := m.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"from":    m.from,
			"to":      n.To,
			"subject": subject,
			"html":    html,
		}).
		Post("/messages")
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to send email: mailgun answered HTTP %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	m.logger.Info().
		Str("archive_id", n.Archive.ID.String()).
		Str("status", n.TaskStatus).
		Msg("Sent build notification")
	return nil
}

// Noop discards notifications. It is used when Mailgun is not configured.
type Noop struct {
	logger zerolog.Logger
}

// NewNoop creates a notifier that only logs.
func NewNoop(logger zerolog.Logger) *Noop {
	return &Noop{logger: logger.With().Str("component", "notify").Logger()}
}

// NotifyBuild logs and drops the notification.
func (n *Noop) NotifyBuild(_ context.Context, note BuildNotification) error {
	n.logger.Warn().
		Str("archive_id", note.Archive.ID.String()).
		Msg("Mailgun not configured, ignoring email request")
	return nil
}

// New returns a Mailgun notifier when configured, otherwise a Noop.
func New(cfg config.MailgunConfig, publicURL string, logger zerolog.Logger) Notifier {
	if !cfg.Enabled() {
		return NewNoop(logger)
	}
	return NewMailgun(cfg, publicURL, logger)
}

var (
	_ Notifier = (*Mailgun)(nil)
	_ Notifier = (*Noop)(nil)
)
