package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/maestro/pkg/config"
	"github.com/relayforge/maestro/pkg/dispatch"
	"github.com/relayforge/maestro/pkg/events"
	"github.com/relayforge/maestro/pkg/models"
	"github.com/relayforge/maestro/pkg/services"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

type fakeDispatcher struct {
	mu        sync.Mutex
	submitted []dispatch.Request
	err       error
}

func (f *fakeDispatcher) Submit(_ context.Context, req dispatch.Request) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Execution{ID: "e1", SessionID: "s1", Status: models.ExecutionStatusPending}, nil
}

func (f *fakeDispatcher) requests() []dispatch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Request(nil), f.submitted...)
}

type fakeMemberships struct{}

func (fakeMemberships) ResolveMembership(_ context.Context, platform, externalID string) (*models.Membership, error) {
	if platform == "slack" && externalID == "U123" {
		return &models.Membership{TenantID: "t1", UserID: "u1", Platform: platform, ExternalID: externalID}, nil
	}
	return nil, services.ErrNotFound
}

type fakeExecReader struct {
	output string
}

func (f *fakeExecReader) GetExecution(_ context.Context, _, executionID string) (*models.Execution, error) {
	return &models.Execution{ID: executionID, Status: models.ExecutionStatusSuccess, Output: f.output}, nil
}

// slackAPIStub records chat.postMessage and chat.update calls.
type slackAPIStub struct {
	mu      sync.Mutex
	posts   []map[string]string
	updates []map[string]string
	called  chan string
}

func newSlackAPIStub() *slackAPIStub {
	return &slackAPIStub{called: make(chan string, 16)}
}

func (a *slackAPIStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		call := map[string]string{}
		for k := range r.Form {
			call[k] = r.Form.Get(k)
		}
		a.mu.Lock()
		switch {
		case strings.HasSuffix(r.URL.Path, "chat.postMessage"):
			a.posts = append(a.posts, call)
		case strings.HasSuffix(r.URL.Path, "chat.update"):
			a.updates = append(a.updates, call)
		}
		a.mu.Unlock()
		a.called <- r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"200.100"}`))
	}
}

func (a *slackAPIStub) wait(t *testing.T, pathSuffix string) map[string]string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case path := <-a.called:
			if !strings.HasSuffix(path, pathSuffix) {
				continue
			}
			a.mu.Lock()
			defer a.mu.Unlock()
			if strings.HasSuffix(pathSuffix, "chat.update") {
				return a.updates[len(a.updates)-1]
			}
			return a.posts[len(a.posts)-1]
		case <-deadline:
			t.Fatalf("timed out waiting for %s", pathSuffix)
		}
	}
}

type harness struct {
	svc *Service
	d   *fakeDispatcher
	api *slackAPIStub
	bus *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := newSlackAPIStub()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	timing := config.DefaultTiming()
	timing.HeartbeatInterval = time.Hour
	bus := events.NewBus(nil, timing)
	t.Cleanup(bus.Close)

	d := &fakeDispatcher{}
	svc := NewService(ServiceConfig{
		BotToken:      "xoxb-test",
		SigningSecret: testSecret,
		APIURL:        srv.URL + "/",
	}, d, fakeMemberships{}, &fakeExecReader{output: "All set: the wiki page is drafted."}, bus)
	require.NotNil(t, svc)
	t.Cleanup(svc.Stop)
	return &harness{svc: svc, d: d, api: api, bus: bus}
}

func signedRequest(body string, secret string, ts time.Time) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	stamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + stamp + ":" + body))
	req.Header.Set("X-Slack-Request-Timestamp", stamp)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

const mentionBody = `{"token":"tok","team_id":"T1","type":"event_callback","event":{"type":"app_mention","user":"U123","text":"<@UBOT7> draft the release notes","ts":"111.111","channel":"C1"}}`

func TestNewServiceRequiresCredentials(t *testing.T) {
	assert.Nil(t, NewService(ServiceConfig{SigningSecret: "s"}, nil, nil, nil, nil))
	assert.Nil(t, NewService(ServiceConfig{BotToken: "xoxb"}, nil, nil, nil, nil))
}

func TestNilServiceIsNoOp(t *testing.T) {
	var s *Service
	s.Register(echo.New())
	s.Stop()
}

func TestSignatureVerification(t *testing.T) {
	h := newHarness(t)
	e := echo.New()

	t.Run("bad signature is 401", func(t *testing.T) {
		req := signedRequest(mentionBody, "wrong-secret", time.Now())
		rec := httptest.NewRecorder()
		err := h.svc.eventsHandler(e.NewContext(req, rec))
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok)
		assert.Equal(t, http.StatusUnauthorized, he.Code)
	})

	t.Run("stale timestamp is 401", func(t *testing.T) {
		req := signedRequest(mentionBody, testSecret, time.Now().Add(-10*time.Minute))
		rec := httptest.NewRecorder()
		err := h.svc.eventsHandler(e.NewContext(req, rec))
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok)
		assert.Equal(t, http.StatusUnauthorized, he.Code)
	})
}

func TestURLVerificationEchoesChallenge(t *testing.T) {
	h := newHarness(t)
	e := echo.New()

	body := `{"token":"tok","challenge":"challenge-xyz","type":"url_verification"}`
	req := signedRequest(body, testSecret, time.Now())
	rec := httptest.NewRecorder()
	require.NoError(t, h.svc.eventsHandler(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "challenge-xyz", rec.Body.String())
}

func TestMentionDispatchesAndEditsOnTerminal(t *testing.T) {
	h := newHarness(t)
	e := echo.New()

	req := signedRequest(mentionBody, testSecret, time.Now())
	rec := httptest.NewRecorder()
	require.NoError(t, h.svc.eventsHandler(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	post := h.api.wait(t, "chat.postMessage")
	assert.Equal(t, "C1", post["channel"])
	assert.Equal(t, "111.111", post["thread_ts"])
	assert.Contains(t, post["text"], "Working on it")

	reqs := h.d.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "t1", reqs[0].TenantID)
	assert.Equal(t, "u1", reqs[0].UserID)
	assert.Equal(t, models.SourceChat, reqs[0].Source)
	assert.Equal(t, "draft the release notes", reqs[0].Prompt)
	assert.Equal(t, "C1:111.111", reqs[0].ThreadKey)

	require.NoError(t, h.bus.Publish(context.Background(), events.Event{
		TenantID: "t1", ExecutionID: "e1", Type: events.TypeCompleted,
	}))

	update := h.api.wait(t, "chat.update")
	assert.Equal(t, "200.100", update["ts"])
	assert.Contains(t, update["text"], "the wiki page is drafted")
}

func TestMentionFromUnknownUserGetsHint(t *testing.T) {
	h := newHarness(t)
	e := echo.New()

	body := strings.Replace(mentionBody, "U123", "U999", 1)
	req := signedRequest(body, testSecret, time.Now())
	rec := httptest.NewRecorder()
	require.NoError(t, h.svc.eventsHandler(e.NewContext(req, rec)))

	post := h.api.wait(t, "chat.postMessage")
	assert.Contains(t, post["text"], "don't recognize you")
	assert.Empty(t, h.d.requests())
}

func TestFailedTerminalUsesEventMessage(t *testing.T) {
	h := newHarness(t)
	e := echo.New()

	req := signedRequest(mentionBody, testSecret, time.Now())
	rec := httptest.NewRecorder()
	require.NoError(t, h.svc.eventsHandler(e.NewContext(req, rec)))
	h.api.wait(t, "chat.postMessage")

	require.NoError(t, h.bus.Publish(context.Background(), events.Event{
		TenantID: "t1", ExecutionID: "e1", Type: events.TypeFailed,
		Message: "The daily budget is used up.",
	}))

	update := h.api.wait(t, "chat.update")
	assert.Contains(t, update["text"], "daily budget is used up")
}
