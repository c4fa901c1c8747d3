package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/nautilus/internal/auth"
	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/lock"
	"github.com/prn-tf/nautilus/internal/notify"
	"github.com/prn-tf/nautilus/internal/queue"
	"github.com/prn-tf/nautilus/internal/repository"
	"github.com/prn-tf/nautilus/internal/repository/sqlite"
	"github.com/prn-tf/nautilus/internal/service"
	"github.com/prn-tf/nautilus/internal/staging"
	"github.com/prn-tf/nautilus/internal/storage/memory"
	"github.com/prn-tf/nautilus/internal/zimfarm"
)

const (
	testOrigin        = "https://app.example.org"
	testCallbackToken = "callback-secret"
	testCookie        = "user_id"
)

type stubBuilder struct {
	taskID uuid.UUID
	err    error
}

func (b *stubBuilder) RequestTask(_ context.Context, _ zimfarm.TaskRequest) (uuid.UUID, error) {
	return b.taskID, b.err
}

type testServer struct {
	server *httptest.Server
	db     *repository.Database
	queue  *queue.MemoryQueue
	client *http.Client
	cookie *http.Cookie
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	db, err := sqlite.Open(ctx, sqlite.DefaultConfig(":memory:"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Health.Close() })
	require.NoError(t, db.Migrate(ctx))

	stagingStore, err := staging.NewStore(t.TempDir(), logger)
	require.NoError(t, err)
	backend := memory.New("salt", "https://storage.example.org")
	q := queue.NewMemoryQueue(time.Minute)
	locker := lock.NewMemoryLocker()
	t.Cleanup(locker.Stop)

	repos := db.Repos
	jobs := service.NewJobScheduler(q,
		queue.RetryPolicy{MaxAttempts: 3, Interval: time.Second},
		queue.RetryPolicy{MaxAttempts: 3, Interval: time.Second},
		12*time.Hour,
	)
	users := service.NewUserService(repos.User, uuid.Nil, logger)
	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	router := NewRouter(RouterConfig{
		Users:    users,
		Projects: service.NewProjectService(repos.Project, repos.File, repos.Archive, stagingStore, backend, jobs, logger),
		Files: service.NewFileService(repos.File, repos.Project, stagingStore, backend, jobs, nil, logger, service.FileConfig{
			Quota:     1024,
			Retention: 7 * 24 * time.Hour,
			ChunkSize: 64,
		}),
		Archives: service.NewArchiveService(repos.Archive, repos.Project, repos.File, backend, &stubBuilder{taskID: uuid.New()}, logger),
		Webhooks: service.NewWebhookService(repos.Archive, repos.Project, notify.NewNoop(logger), nil, logger, service.WebhookConfig{
			CallbackToken: testCallbackToken,
			DownloadURL:   "https://download.example.org",
			WarehousePath: "/zims",
		}),
		Issuer:         issuer,
		Cookie:         auth.CookieConfig{Name: testCookie},
		Health:         db.Health,
		Logger:         logger,
		APIPrefix:      "v1/",
		AllowedOrigins: []string{testOrigin},
		StorageURL:     "https://storage.example.org",
		MaxUploadSize:  maxUpload,
	})

	server := httptest.NewServer(router.Handler())
	t.Cleanup(server.Close)

	client := server.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &testServer{server: server, db: db, queue: q, client: client}
}

func (s *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.cookie != nil {
		req.AddCookie(s.cookie)
	}
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) doJSON(t *testing.T, method, path string, v interface{}) *http.Response {
	t.Helper()
	var body io.Reader
	if v != nil {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	return s.do(t, method, path, body, "application/json")
}

func (s *testServer) login(t *testing.T) uuid.UUID {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/v1/users", nil, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var user domain.User
	decode(t, resp, &user)
	for _, c := range resp.Cookies() {
		if c.Name == testCookie {
			s.cookie = c
		}
	}
	require.NotNil(t, s.cookie)
	return user.ID
}

func (s *testServer) createProject(t *testing.T, name string) domain.Project {
	t.Helper()
	resp := s.doJSON(t, http.MethodPost, "/v1/projects", map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var project domain.Project
	decode(t, resp, &project)
	return project
}

func (s *testServer) upload(t *testing.T, projectID uuid.UUID, name, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(uploadField, name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return s.do(t, http.MethodPost, fmt.Sprintf("/v1/projects/%s/files", projectID), &buf, mw.FormDataContentType())
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func detail(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body errorResponse
	decode(t, resp, &body)
	return body.Detail
}

func TestRouter_Utilities(t *testing.T) {
	s := newTestServer(t, 0)

	resp := s.do(t, http.MethodGet, "/v1/ping", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pong map[string]string
	decode(t, resp, &pong)
	assert.Equal(t, "pong", pong["message"])

	resp = s.do(t, http.MethodGet, "/v1/config", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg map[string]string
	decode(t, resp, &cfg)
	assert.Equal(t, "https://storage.example.org", cfg["NAUTILUS_STORAGE_URL"])

	resp = s.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/", nil, "")
	assert.Equal(t, http.StatusPermanentRedirect, resp.StatusCode)
	assert.Equal(t, "/v1", resp.Header.Get("Location"))
}

func TestRouter_CORSPreflight(t *testing.T) {
	s := newTestServer(t, 0)

	req, err := http.NewRequest(http.MethodOptions, s.server.URL+"/v1/projects", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, testOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
}

func TestRouter_RequiresCookie(t *testing.T) {
	s := newTestServer(t, 0)

	resp := s.do(t, http.MethodGet, "/v1/projects", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Missing User ID.", detail(t, resp))

	s.cookie = &http.Cookie{Name: testCookie, Value: "forged"}
	resp = s.do(t, http.MethodGet, "/v1/projects", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProjectHandler_CRUD(t *testing.T) {
	s := newTestServer(t, 0)
	s.login(t)

	project := s.createProject(t, "  Offline docs ")
	assert.Equal(t, "Offline docs", project.Name)

	resp := s.doJSON(t, http.MethodPatch, "/v1/projects/"+project.ID.String(), map[string]string{
		"name":        "Renamed",
		"webdav_path": "/dav/docs",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/v1/projects", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var projects []domain.Project
	decode(t, resp, &projects)
	require.Len(t, projects, 1)
	assert.Equal(t, "Renamed", projects[0].Name)
	require.NotNil(t, projects[0].WebDAVPath)
	assert.Equal(t, "/dav/docs", *projects[0].WebDAVPath)

	resp = s.do(t, http.MethodDelete, "/v1/projects/"+project.ID.String(), nil, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/v1/projects/"+project.ID.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProjectHandler_Errors(t *testing.T) {
	s := newTestServer(t, 0)
	s.login(t)

	resp := s.doJSON(t, http.MethodPost, "/v1/projects", map[string]string{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/v1/projects", strings.NewReader("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/v1/projects/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	project := s.createProject(t, "mine")
	s.login(t)
	resp = s.do(t, http.MethodGet, "/v1/projects/"+project.ID.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "projects of other users are hidden")
}

func TestFileHandler_Lifecycle(t *testing.T) {
	s := newTestServer(t, 0)
	s.login(t)
	project := s.createProject(t, "files")
	base := fmt.Sprintf("/v1/projects/%s/files", project.ID)

	resp := s.upload(t, project.ID, "notes.txt", "hello world")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var file domain.File
	decode(t, resp, &file)
	assert.Equal(t, "notes.txt", file.Filename)
	assert.Equal(t, int64(11), file.Filesize)
	assert.Equal(t, domain.FileStatusLocal, file.Status)
	assert.Len(t, s.queue.Scheduled(), 1)

	resp = s.doJSON(t, http.MethodPatch, base+"/"+file.ID.String(), map[string]interface{}{
		"title":   "Notes",
		"authors": []string{"Ada"},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodGet, base+"/"+file.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]interface{}
	decode(t, resp, &got)
	assert.Equal(t, "Notes", got["title"])
	assert.NotContains(t, got, "path")

	resp = s.do(t, http.MethodGet, base, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var files []domain.File
	decode(t, resp, &files)
	assert.Len(t, files, 1)

	resp = s.do(t, http.MethodDelete, base+"/"+file.ID.String(), nil, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodGet, base+"/"+file.ID.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFileHandler_UploadErrors(t *testing.T) {
	s := newTestServer(t, 4096)
	s.login(t)
	project := s.createProject(t, "files")

	resp := s.upload(t, project.ID, "empty.txt", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, service.ErrEmptyFile.Error(), detail(t, resp))

	resp = s.upload(t, project.ID, "big.bin", strings.Repeat("x", 2048))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode, "larger than the project quota")

	resp = s.upload(t, project.ID, "huge.bin", strings.Repeat("x", 8192))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode, "larger than the request limit")

	resp = s.do(t, http.MethodPost, fmt.Sprintf("/v1/projects/%s/files", project.ID), strings.NewReader("plain"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestArchiveHandler_EditAndRequest(t *testing.T) {
	s := newTestServer(t, 0)
	s.login(t)
	project := s.createProject(t, "archives")
	base := fmt.Sprintf("/v1/projects/%s/archives", project.ID)

	resp := s.do(t, http.MethodGet, base, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var archives []domain.Archive
	decode(t, resp, &archives)
	require.Len(t, archives, 1)
	archive := archives[0]
	assert.Equal(t, domain.ArchiveStatusPending, archive.Status)

	resp = s.doJSON(t, http.MethodPatch, base+"/"+archive.ID.String(), map[string]interface{}{
		"email": "me@example.org",
		"config": map[string]interface{}{
			"title":     "Docs",
			"languages": []string{"eng"},
		},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.doJSON(t, http.MethodPatch, base+"/"+archive.ID.String(), map[string]interface{}{"email": "not an email"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodGet, base+"/"+archive.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &archive)
	assert.Equal(t, "Docs", archive.Config.Title)
	require.NotNil(t, archive.Email)
	assert.Equal(t, "me@example.org", *archive.Email)

	resp = s.do(t, http.MethodPost, base+"/"+archive.ID.String()+"/request", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "config is incomplete")

	resp = s.do(t, http.MethodPost, base, nil, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestArchiveHandler_Hook(t *testing.T) {
	s := newTestServer(t, 0)
	s.login(t)
	project := s.createProject(t, "hooked")

	archives, err := s.db.Repos.Archive.ListByProject(context.Background(), project.ID)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	archive := archives[0]
	archive.Status = domain.ArchiveStatusRequested
	require.NoError(t, s.db.Repos.Archive.Update(context.Background(), archive))

	hook := fmt.Sprintf("/v1/projects/%s/archives/%s/hook", project.ID, archive.ID)
	size := int64(4096)
	payload := zimfarm.WebhookPayload{
		Status: zimfarm.TaskStatusSucceeded,
		Files: map[string]zimfarm.WebhookFile{
			"docs.zim": {Name: "docs.zim", Size: &size, UploadedTimestamp: "2026-03-01T10:00:00Z"},
		},
	}

	s.cookie = nil
	resp := s.doJSON(t, http.MethodPost, hook+"?token=wrong", payload)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPost, hook+"?token="+testCallbackToken, strings.NewReader("nope"), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.doJSON(t, http.MethodPost, fmt.Sprintf("/v1/projects/%s/archives/%s/hook?token=%s", project.ID, uuid.New(), testCallbackToken), payload)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.doJSON(t, http.MethodPost, hook+"?token="+testCallbackToken+"&target=me@example.org", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "success", body["status"])

	got, err := s.db.Repos.Archive.GetByID(context.Background(), archive.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveStatusReady, got.Status)
	require.NotNil(t, got.DownloadURL)
	assert.Equal(t, "https://download.example.org/zims/docs.zim", *got.DownloadURL)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing filename", service.ErrMissingFilename, http.StatusBadRequest},
		{"wrapped bad request", fmt.Errorf("%w: nope", service.ErrBadRequest), http.StatusBadRequest},
		{"invalid config", domain.ErrArchiveConfigInvalid, http.StatusBadRequest},
		{"not found", domain.ErrFileNotFound, http.StatusNotFound},
		{"not pending", domain.ErrArchiveNotPending, http.StatusConflict},
		{"quota", service.ErrQuotaExceeded, http.StatusRequestEntityTooLarge},
		{"body limit", &http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{"callback token", service.ErrInvalidCallbackToken, http.StatusUnauthorized},
		{"build service", service.ErrBuildServiceUnavailable, http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorStatus(tt.err))
		})
	}
}

func TestWriteError_HidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, zerolog.Nop(), fmt.Errorf("%w: pq: connection refused", service.ErrInternalError))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"internal server error"}`, rec.Body.String())
}
