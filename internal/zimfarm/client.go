package zimfarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/nautilus/internal/config"
)

// Client talks to the Zimfarm API.
type Client struct {
	http   *resty.Client
	tokens TokenSource
	logger zerolog.Logger

	callbackBaseURL string
	callbackToken   string
	image           imageSpec
	resources       resources
	worker          string
	priority        string
	warehousePath   string
}

// New creates a client from configuration, authenticating with the
// configured username and password.
func New(cfg config.ZimfarmConfig, logger zerolog.Logger) (*Client, error) {
	tokens := NewPasswordTokenSource(cfg.APIURL, cfg.Username, cfg.Password, cfg.Timeout)
	return NewWithTokenSource(cfg, tokens, logger)
}

// NewWithTokenSource creates a client using the given token source.
func NewWithTokenSource(cfg config.ZimfarmConfig, tokens TokenSource, logger zerolog.Logger) (*Client, error) {
	name, tag, ok := strings.Cut(cfg.Image, ":")
	if !ok || name == "" || tag == "" {
		return nil, fmt.Errorf("invalid zimfarm image %q, expected name:tag", cfg.Image)
	}
	memory, err := humanize.ParseBytes(cfg.TaskMemory)
	if err != nil {
		return nil, fmt.Errorf("invalid zimfarm task memory: %w", err)
	}
	disk, err := humanize.ParseBytes(cfg.TaskDisk)
	if err != nil {
		return nil, fmt.Errorf("invalid zimfarm task disk: %w", err)
	}

	return &Client{
		http:            resty.New().SetBaseURL(strings.TrimSuffix(cfg.APIURL, "/")).SetTimeout(cfg.Timeout),
		tokens:          tokens,
		logger:          logger.With().Str("component", "zimfarm").Logger(),
		callbackBaseURL: strings.TrimSuffix(cfg.CallbackBaseURL, "/"),
		callbackToken:   cfg.CallbackToken,
		image:           imageSpec{Name: name, Tag: tag},
		resources:       resources{CPU: cfg.TaskCPU, Memory: int64(memory), Disk: int64(disk)},
		worker:          cfg.Worker,
		priority:        cfg.Priority,
		warehousePath:   cfg.WarehousePath,
	}, nil
}

// call sends an authenticated request and decodes a JSON answer into result.
// A 401 invalidates the token and replays the request once.
func (c *Client) call(ctx context.Context, op, method, path string, body, result any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return &APIError{StatusCode: http.StatusUnauthorized, Op: op, Message: err.Error()}
		}

		req := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Token "+token).
			SetHeader("Content-Type", "application/json")
		if body != nil {
			req.SetBody(body)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			return &APIError{StatusCode: StatusConnectionError, Op: op, Message: "connection error: " + err.Error()}
		}

		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			c.logger.Debug().Str("op", op).Msg("Zimfarm token rejected, re-authenticating")
			c.tokens.Invalidate()
			continue
		}

		if resp.IsError() {
			return &APIError{StatusCode: resp.StatusCode(), Op: op, Message: errorMessage(resp.Body())}
		}

		if result != nil && len(resp.Body()) > 0 {
			if err := json.Unmarshal(resp.Body(), result); err != nil {
				return &APIError{StatusCode: resp.StatusCode(), Op: op, Message: "response is not JSON: " + err.Error()}
			}
		}
		return nil
	}
}

func errorMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return strings.TrimSpace(string(body))
	}
	if e.ErrorDescription != "" {
		return e.Error + ": " + e.ErrorDescription
	}
	return e.Error
}

// TestConnection checks the credentials against the API.
func (c *Client) TestConnection(ctx context.Context) error {
	return c.call(ctx, "test", http.MethodGet, "/auth/test", nil, nil)
}

// CallbackURL returns the build callback URL of an archive. A non-empty
// target is emailed when the build ends.
func (c *Client) CallbackURL(projectID, archiveID uuid.UUID, target string) string {
	q := url.Values{}
	q.Set("token", c.callbackToken)
	if target != "" {
		q.Set("target", target)
	}
	return fmt.Sprintf("%s/projects/%s/archives/%s/hook?%s", c.callbackBaseURL, projectID, archiveID, q.Encode())
}

func (c *Client) buildSchedule(req TaskRequest, ident string) schedule {
	name := fmt.Sprintf("nautilus_%s_%s", req.ArchiveID, ident)

	flags := map[string]string{
		"collection":  req.CollectionURL,
		"name":        req.Name,
		"output":      "/output",
		"zim-file":    name + ".zim",
		"language":    req.Language,
		"title":       req.Title,
		"description": req.Description,
		"creator":     req.Creator,
		"publisher":   req.Publisher,
		"tags":        strings.Join(req.Tags, ";"),
		"favicon":     req.IllustrationURL,
	}
	if req.Filename != "" {
		flags["zim-file"] = req.Filename
	}
	if req.LongDescription != "" {
		flags["long-description"] = req.LongDescription
	}
	if req.MainLogoURL != "" {
		flags["main-logo"] = req.MainLogoURL
	}

	s := schedule{
		Name:        name,
		Language:    language{Code: "eng", NameEN: "English", NameNative: "English"},
		Category:    "other",
		Periodicity: "manually",
		Tags:        []string{},
		Enabled:     true,
		Config: scheduleConfig{
			TaskName:      "nautilus",
			WarehousePath: c.warehousePath,
			Image:         c.image,
			Resources:     c.resources,
			Flags:         flags,
		},
	}

	// status callbacks are always registered; only requested and ended
	// carry the email target
	notify := []string{c.CallbackURL(req.ProjectID, req.ArchiveID, req.Email)}
	status := []string{c.CallbackURL(req.ProjectID, req.ArchiveID, "")}
	s.Notification = &notification{
		Requested: webhooks{Webhook: notify},
		Ended:     webhooks{Webhook: notify},
		Succeeded: webhooks{Webhook: status},
		Failed:    webhooks{Webhook: status},
	}
	return s
}

// RequestTask creates a one-off schedule for the archive, requests a task
// from it and returns the task id. The schedule is removed afterwards.
func (c *Client) RequestTask(ctx context.Context, req TaskRequest) (uuid.UUID, error) {
	s := c.buildSchedule(req, strings.ReplaceAll(uuid.NewString(), "-", ""))
	logger := c.logger.With().
		Str("archive_id", req.ArchiveID.String()).
		Str("schedule", s.Name).
		Logger()

	if err := c.createSchedule(ctx, s); err != nil {
		logger.Error().Err(err).Msg("Unable to create schedule")
		return uuid.Nil, err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := c.DeleteSchedule(cleanupCtx, s.Name); err != nil {
			logger.Warn().Err(err).Msg("Unable to remove schedule")
		}
	}()

	var result requestedTaskResponse
	err := c.call(ctx, "request task", http.MethodPost, "/requested-tasks/", requestedTask{
		ScheduleNames: []string{s.Name},
		Worker:        c.worker,
		Priority:      c.priority,
	}, &result)
	if err != nil {
		logger.Error().Err(err).Msg("Unable to request task")
		return uuid.Nil, err
	}

	if len(result.Requested) == 0 || result.Requested[0] == "" {
		return uuid.Nil, ErrMissingTaskID
	}
	taskID, err := uuid.Parse(result.Requested[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid requested task id %q: %w", result.Requested[0], err)
	}

	logger.Info().Str("task_id", taskID.String()).Msg("Requested build task")
	return taskID, nil
}

// createSchedule creates a schedule.
func (c *Client) createSchedule(ctx context.Context, s schedule) error {
	return c.call(ctx, "create schedule", http.MethodPost, "/schedules/", s, nil)
}

// DeleteSchedule deletes a schedule by name.
func (c *Client) DeleteSchedule(ctx context.Context, name string) error {
	return c.call(ctx, "delete schedule", http.MethodDelete, "/schedules/"+url.PathEscape(name), nil, nil)
}

// IsBadRequest reports whether err is an API rejection of the request itself.
func IsBadRequest(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsBadRequest()
}
