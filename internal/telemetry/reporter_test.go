package telemetry

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/gateway/internal/models"
	"github.com/modelrelay/gateway/internal/testutil"
)

type recordedPost struct {
	path string
	body []byte
}

func recordingServer(t *testing.T, status int) (*testutil.IPv4Server, func() []recordedPost) {
	var mu sync.Mutex
	var posts []recordedPost
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		posts = append(posts, recordedPost{path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	return srv, func() []recordedPost {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedPost(nil), posts...)
	}
}

func TestReportUsage(t *testing.T) {
	srv, posts := recordingServer(t, http.StatusOK)
	r := New(srv.URL, log.New(io.Discard, "", 0))

	r.ReportUsage(models.UsageEvent{
		RequestID:    "req-1",
		Token:        "user-tok",
		Model:        "gpt-4o",
		API:          "https://api.openai.com",
		InputTokens:  10,
		OutputTokens: 5,
	})
	r.Wait()

	got := posts()
	require.Len(t, got, 1)
	assert.Equal(t, "/v1/telemetry/usage", got[0].path)

	var ev models.UsageEvent
	require.NoError(t, json.Unmarshal(got[0].body, &ev))
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, 10, ev.InputTokens)
}

func TestReportError(t *testing.T) {
	srv, posts := recordingServer(t, http.StatusOK)
	r := New(srv.URL, log.New(io.Discard, "", 0))

	r.ReportError(models.ErrorEvent{
		Token: "user-tok",
		Model: "gpt-4o",
		API:   "https://api.openai.com",
		Msg:   "upstream returned status 502",
	})
	r.Wait()

	got := posts()
	require.Len(t, got, 1)
	assert.Equal(t, "/v1/telemetry/errors", got[0].path)
	assert.Contains(t, string(got[0].body), `"msg":"upstream returned status 502"`)
}

func TestReportSwallowsBackendFailure(t *testing.T) {
	srv, posts := recordingServer(t, http.StatusInternalServerError)
	r := New(srv.URL, log.New(io.Discard, "", 0))

	// must not panic or surface the failure
	r.ReportUsage(models.UsageEvent{RequestID: "req-2"})
	r.Wait()
	assert.Len(t, posts(), 1)
}

func TestReportSwallowsConnectionFailure(t *testing.T) {
	r := New("http://127.0.0.1:1", log.New(io.Discard, "", 0))
	r.ReportError(models.ErrorEvent{Msg: "x"})
	r.Wait()
}
