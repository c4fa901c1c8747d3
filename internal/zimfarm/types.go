// Package zimfarm is a client of the Zimfarm archive build API.
package zimfarm

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
)

// StatusConnectionError is the pseudo HTTP status reported when the API
// could not be reached at all.
const StatusConnectionError = 900

// Task statuses reported by build callbacks.
const (
	TaskStatusRequested = "requested"
	TaskStatusSucceeded = "succeeded"
	TaskStatusFailed    = "failed"
	TaskStatusCanceled  = "canceled"
)

// ErrMissingTaskID is returned when the API did not report a task id.
var ErrMissingTaskID = errors.New("zimfarm: no requested task id in response")

// APIError is a non-2xx answer (or a connection failure) from the API.
type APIError struct {
	StatusCode int
	Op         string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zimfarm %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsBadRequest reports whether the API rejected the request as invalid.
func (e *APIError) IsBadRequest() bool {
	return e.StatusCode == http.StatusBadRequest
}

// TaskRequest describes one archive build.
type TaskRequest struct {
	ProjectID uuid.UUID
	ArchiveID uuid.UUID

	CollectionURL   string
	Name            string
	Filename        string
	Title           string
	Description     string
	LongDescription string
	Language        string
	Creator         string
	Publisher       string
	Tags            []string
	IllustrationURL string
	MainLogoURL     string

	// Email receives build notifications when set.
	Email string
}

type imageSpec struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

type resources struct {
	CPU    int   `json:"cpu"`
	Memory int64 `json:"memory"`
	Disk   int64 `json:"disk"`
}

type scheduleConfig struct {
	TaskName      string            `json:"task_name"`
	WarehousePath string            `json:"warehouse_path"`
	Image         imageSpec         `json:"image"`
	Resources     resources         `json:"resources"`
	Platform      *string           `json:"platform"`
	Monitor       bool              `json:"monitor"`
	Flags         map[string]string `json:"flags"`
}

type language struct {
	Code       string `json:"code"`
	NameEN     string `json:"name_en"`
	NameNative string `json:"name_native"`
}

type webhooks struct {
	Webhook []string `json:"webhook"`
}

type notification struct {
	Requested webhooks `json:"requested"`
	Ended     webhooks `json:"ended"`
	Succeeded webhooks `json:"succeeded"`
	Failed    webhooks `json:"failed"`
}

type schedule struct {
	Name         string         `json:"name"`
	Language     language       `json:"language"`
	Category     string         `json:"category"`
	Periodicity  string         `json:"periodicity"`
	Tags         []string       `json:"tags"`
	Enabled      bool           `json:"enabled"`
	Config       scheduleConfig `json:"config"`
	Notification *notification  `json:"notification,omitempty"`
}

type requestedTask struct {
	ScheduleNames []string `json:"schedule_names"`
	Worker        string   `json:"worker,omitempty"`
	Priority      string   `json:"priority"`
}

type requestedTaskResponse struct {
	Requested []string `json:"requested"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// WebhookFile is one produced file in a build callback.
type WebhookFile struct {
	Name              string `json:"name"`
	Size              *int64 `json:"size"`
	UploadedTimestamp string `json:"uploaded_timestamp"`
}

// WebhookPayload is the task document posted to build callbacks.
type WebhookPayload struct {
	ID           string                 `json:"_id"`
	Status       string                 `json:"status"`
	ScheduleName string                 `json:"schedule_name"`
	Config       WebhookConfig          `json:"config"`
	Files        map[string]WebhookFile `json:"files"`
}

// WebhookConfig is the subset of the task config callbacks rely on.
type WebhookConfig struct {
	WarehousePath string `json:"warehouse_path"`
}

// FirstFile returns the first produced file in name order.
func (p *WebhookPayload) FirstFile() (string, WebhookFile, bool) {
	if len(p.Files) == 0 {
		return "", WebhookFile{}, false
	}
	names := make([]string, 0, len(p.Files))
	for name := range p.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	file := p.Files[names[0]]
	if file.Name == "" {
		file.Name = names[0]
	}
	return names[0], file, true
}

// UploadedAt parses the upload timestamp (RFC 3339, or ISO 8601 without zone as UTC).
func (f WebhookFile) UploadedAt() (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, f.UploadedTimestamp); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid uploaded_timestamp %q", f.UploadedTimestamp)
}
