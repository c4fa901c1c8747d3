package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/nautilus/internal/config"
	"github.com/prn-tf/nautilus/internal/domain"
)

func testArchive() *domain.Archive {
	archive := domain.NewArchive(domain.NewProject(domain.NewUser().ID, "p").ID)
	archive.Config.Title = "Wiki <dump>"
	size := int64(3 * 1024 * 1024)
	archive.Filesize = &size
	return archive
}

func TestRender(t *testing.T) {
	archive := testArchive()

	subject, body, err := Render(BuildNotification{
		Archive:     archive,
		ProjectName: "Demo",
		TaskStatus:  "succeeded",
		DownloadURL: "https://dl.test/other/a.zim",
	}, "https://nautilus.test/")
	require.NoError(t, err)

	assert.Equal(t, "ZIM Wiki <dump>: succeeded", subject)
	assert.Contains(t, body, "Wiki &lt;dump&gt;", "title is escaped")
	assert.Contains(t, body, "3.0 MiB")
	assert.Contains(t, body, `href="https://dl.test/other/a.zim"`)
	assert.Contains(t, body, archive.ID.String()[:5])

	_, body, err = Render(BuildNotification{Archive: archive, TaskStatus: "failed"}, "https://nautilus.test")
	require.NoError(t, err)
	assert.Contains(t, body, "https://nautilus.test/projects/"+archive.ProjectID.String())
}

func TestMailgun_NotifyBuild(t *testing.T) {
	var form map[string]string
	var user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		user, pass, _ = r.BasicAuth()
		require.NoError(t, r.ParseForm())
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		_, _ = w.Write([]byte(`{"id":"<1@mg>","message":"Queued"}`))
	}))
	defer srv.Close()

	m := NewMailgun(config.MailgunConfig{
		APIURL:  srv.URL,
		APIKey:  "key-123",
		From:    "Nautilus <noreply@test>",
		Timeout: time.Second,
	}, "https://nautilus.test", zerolog.Nop())

	err := m.NotifyBuild(context.Background(), BuildNotification{
		To:         "me@example.org",
		Archive:    testArchive(),
		TaskStatus: "requested",
	})
	require.NoError(t, err)

	assert.Equal(t, "api", user)
	assert.Equal(t, "key-123", pass)
	assert.Equal(t, "me@example.org", form["to"])
	assert.Equal(t, "Nautilus <noreply@test>", form["from"])
	assert.Contains(t, form["html"], "has been requested")
}

func TestMailgun_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewMailgun(config.MailgunConfig{APIURL: srv.URL, APIKey: "bad"}, "", zerolog.Nop())
	err := m.NotifyBuild(context.Background(), BuildNotification{To: "x@y.z", Archive: testArchive(), TaskStatus: "failed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestNew_SelectsImplementation(t *testing.T) {
	assert.IsType(t, &Noop{}, New(config.MailgunConfig{}, "", zerolog.Nop()))
	assert.IsType(t, &Mailgun{}, New(config.MailgunConfig{APIURL: "http://mg", APIKey: "k"}, "", zerolog.Nop()))

	require.NoError(t, NewNoop(zerolog.Nop()).NotifyBuild(context.Background(), BuildNotification{Archive: testArchive()}))
}
