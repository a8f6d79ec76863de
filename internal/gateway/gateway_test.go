package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/callbacks"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/dynamotest"
	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
)

var secret = []byte("whsec_test")

type resumed struct {
	token  string
	output string
	code   string
	cause  string
}

type fakeResumer struct {
	mu    sync.Mutex
	calls []resumed
	err   error
}

func (f *fakeResumer) SendTaskSuccess(_ context.Context, token string, output json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, resumed{token: token, output: string(output)})
	return nil
}

func (f *fakeResumer) SendTaskFailure(_ context.Context, token, code, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, resumed{token: token, code: code, cause: cause})
	return nil
}

type fixture struct {
	store   *callbacks.Store
	resumer *fakeResumer
	router  *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fake := dynamotest.New()
	fake.CreateTable("callbacks", dynamotest.KeySchema{PK: "correlation_id"}, map[string]dynamotest.KeySchema{
		callbacks.StatusIndex: {PK: "status", SK: "expires_at"},
	})
	f := &fixture{
		store:   callbacks.NewStore(fake, "callbacks"),
		resumer: &fakeResumer{},
		router:  gin.New(),
	}
	gw := New(Config{Secret: secret, Callbacks: f.store, Resumer: f.resumer})
	f.router.POST("/provider/webhook", gw.Handle)
	return f
}

func (f *fixture) register(t *testing.T, correlationID string, ttl time.Duration) {
	t.Helper()
	_, err := f.store.Register(context.Background(), correlationID, "exec-1", "exec-1.token", ttl)
	require.NoError(t, err)
}

func (f *fixture) post(body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/provider/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) postSigned(body string) *httptest.ResponseRecorder {
	return f.post([]byte(body), Sign(secret, []byte(body)))
}

func TestVerify(t *testing.T) {
	body := []byte(`{"correlationId":"abc"}`)
	sig := Sign(secret, body)

	assert.True(t, Verify(secret, body, sig))
	assert.False(t, Verify(secret, []byte(`{"correlationId":"abd"}`), sig))
	assert.False(t, Verify([]byte("other"), body, sig))
	assert.False(t, Verify(nil, body, sig))
	assert.False(t, Verify(secret, body, sig[len("sha256="):]))
	assert.False(t, Verify(secret, body, "sha256=zz"))
}

func TestWebhook_DuplicateDeliveryResumesOnce(t *testing.T) {
	f := newFixture(t)
	f.register(t, "abc", 10*time.Minute)
	body := `{"correlationId":"abc","status":"confirmed","payload":{"confirmationCode":"PNR456"}}`

	w := f.postSigned(body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.postSigned(body)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.Len(t, f.resumer.calls, 1)
	assert.Equal(t, "exec-1.token", f.resumer.calls[0].token)
	assert.JSONEq(t, body, f.resumer.calls[0].output)

	cb, err := f.store.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, callbacks.StatusCompleted, cb.Status)
}

func TestWebhook_RejectionFailsTask(t *testing.T) {
	f := newFixture(t)
	f.register(t, "abc", 10*time.Minute)

	w := f.postSigned(`{"correlationId":"abc","status":"rejected","reason":"fare expired"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.resumer.calls, 1)
	assert.Equal(t, RejectedCode, f.resumer.calls[0].code)
	assert.Equal(t, "fare expired", f.resumer.calls[0].cause)
}

func TestWebhook_RequestRejections(t *testing.T) {
	f := newFixture(t)
	f.register(t, "late", -time.Minute)
	valid := `{"correlationId":"abc","status":"confirmed"}`

	assert.Equal(t, http.StatusUnauthorized, f.post([]byte(valid), "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.post([]byte(valid), Sign([]byte("wrong"), []byte(valid))).Code)
	assert.Equal(t, http.StatusBadRequest, f.postSigned(`{not json`).Code)
	assert.Equal(t, http.StatusBadRequest, f.postSigned(`{"correlationId":"abc","status":"maybe"}`).Code)
	assert.Equal(t, http.StatusNotFound, f.postSigned(valid).Code)
	assert.Equal(t, http.StatusGone, f.postSigned(`{"correlationId":"late","status":"confirmed"}`).Code)

	assert.Empty(t, f.resumer.calls)
}

func TestWebhook_ResumeFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.register(t, "abc", 10*time.Minute)
	body := `{"correlationId":"abc","status":"confirmed"}`

	f.resumer.err = errors.New("queue unavailable")
	w := f.postSigned(body)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	cb, err := f.store.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, callbacks.StatusAwaiting, cb.Status)

	// the provider's retry goes through
	f.resumer.err = nil
	assert.Equal(t, http.StatusOK, f.postSigned(body).Code)
	assert.Len(t, f.resumer.calls, 1)
}

func TestWebhook_StepNoLongerWaiting(t *testing.T) {
	f := newFixture(t)
	f.register(t, "abc", 10*time.Minute)
	f.resumer.err = saga.ErrTaskTimedOut

	w := f.postSigned(`{"correlationId":"abc","status":"confirmed"}`)
	assert.Equal(t, http.StatusGone, w.Code)

	cb, err := f.store.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, callbacks.StatusCompleted, cb.Status)
}
