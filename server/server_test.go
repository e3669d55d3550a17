package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-resumable-upload/broker"
	"github.com/bitrise-io/go-resumable-upload/ledger"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGrants struct {
	requests []string
	err      error
}

func (g *fakeGrants) IssueUploadGrant(_ context.Context, sessionID, fileName string, chunkIndex int) (broker.Grant, error) {
	key := broker.ObjectKey(sessionID, fileName, chunkIndex)
	g.requests = append(g.requests, key)
	if g.err != nil {
		return broker.Grant{}, g.err
	}
	return broker.Grant{
		URL:       "https://storage.example.com/" + key,
		Method:    http.MethodPut,
		Key:       key,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func newTestServer(t *testing.T) (http.Handler, *ledger.Store, *fakeGrants) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := ledger.Open(context.Background(), ledger.DriverSQLite, filepath.Join(t.TempDir(), "uploads.db"), log.NewLogger())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store := ledger.NewStore(db, log.NewLogger())
	t.Cleanup(func() { _ = store.Close() })

	grants := &fakeGrants{}
	handler := NewHandler(store, store, grants, log.NewLogger())
	return NewRouter(handler), store, grants
}

func doJSONRequest(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode json %q: %v", rec.Body.String(), err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestUploadProtocolFlow(t *testing.T) {
	router, _, grants := newTestServer(t)

	// 12 MB in 5 MB chunks.
	initResp := doJSONRequest(t, router, http.MethodPost, "/init-upload", map[string]interface{}{
		"fileName": "video.mp4", "fileSize": 12 * 1024 * 1024, "totalChunks": 3,
	})
	assertStatus(t, initResp, http.StatusOK)
	var initBody struct {
		SessionID string `json:"sessionId"`
	}
	decodeJSON(t, initResp, &initBody)
	require.NotEmpty(t, initBody.SessionID)
	sessionID := initBody.SessionID

	for i := 0; i < 3; i++ {
		urlResp := doJSONRequest(t, router, http.MethodPost, "/presigned-url", map[string]interface{}{
			"fileName": "video.mp4", "chunkIndex": i, "sessionId": sessionID,
		})
		assertStatus(t, urlResp, http.StatusOK)
		var urlBody struct {
			PresignedURL string `json:"presignedUrl"`
			Method       string `json:"method"`
		}
		decodeJSON(t, urlResp, &urlBody)
		assert.Equal(t, "https://storage.example.com/"+broker.ObjectKey(sessionID, "video.mp4", i), urlBody.PresignedURL)
		assert.Equal(t, http.MethodPut, urlBody.Method)

		if i < 2 {
			doneResp := doJSONRequest(t, router, http.MethodPost, "/chunk-completed", map[string]interface{}{
				"sessionId": sessionID, "chunkIndex": i,
			})
			assertStatus(t, doneResp, http.StatusOK)
			assert.JSONEq(t, `{"success":true}`, doneResp.Body.String())
		}
	}
	assert.Len(t, grants.requests, 3)

	verifyResp := doJSONRequest(t, router, http.MethodPost, "/verify-upload", map[string]string{"sessionId": sessionID})
	assertStatus(t, verifyResp, http.StatusOK)
	var partial struct {
		Completed bool     `json:"completed"`
		Progress  *float64 `json:"progress"`
	}
	decodeJSON(t, verifyResp, &partial)
	assert.False(t, partial.Completed)
	require.NotNil(t, partial.Progress)
	assert.InDelta(t, 2.0/3.0, *partial.Progress, 1e-9)

	sessionResp := doJSONRequest(t, router, http.MethodGet, "/session/"+sessionID, nil)
	assertStatus(t, sessionResp, http.StatusOK)
	var session struct {
		SessionID       string     `json:"sessionId"`
		FileName        string     `json:"fileName"`
		FileSize        int64      `json:"fileSize"`
		TotalChunks     int        `json:"totalChunks"`
		CompletedAt     *time.Time `json:"completedAt"`
		CompletedChunks []int      `json:"completedChunks"`
	}
	decodeJSON(t, sessionResp, &session)
	assert.Equal(t, sessionID, session.SessionID)
	assert.Equal(t, 3, session.TotalChunks)
	assert.Equal(t, []int{0, 1}, session.CompletedChunks)
	assert.Nil(t, session.CompletedAt)

	doneResp := doJSONRequest(t, router, http.MethodPost, "/chunk-completed", map[string]interface{}{
		"sessionId": sessionID, "chunkIndex": 2,
	})
	assertStatus(t, doneResp, http.StatusOK)

	verifyResp = doJSONRequest(t, router, http.MethodPost, "/verify-upload", map[string]string{"sessionId": sessionID})
	assertStatus(t, verifyResp, http.StatusOK)
	assert.JSONEq(t, `{"completed":true}`, verifyResp.Body.String())
}

func TestGetSession_Unknown(t *testing.T) {
	router, _, _ := newTestServer(t)

	rec := doJSONRequest(t, router, http.MethodGet, "/session/nope", nil)
	assertStatus(t, rec, http.StatusNotFound)
	assert.JSONEq(t, `{"error":"Session not found"}`, rec.Body.String())
}

func TestChunkCompleted_UnknownSessionIsNoop(t *testing.T) {
	router, _, _ := newTestServer(t)

	rec := doJSONRequest(t, router, http.MethodPost, "/chunk-completed", map[string]interface{}{
		"sessionId": "nope", "chunkIndex": 0,
	})
	assertStatus(t, rec, http.StatusOK)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
}

func TestFailuresAreGeneric500(t *testing.T) {
	router, _, grants := newTestServer(t)

	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{name: "verify unknown session", path: "/verify-upload", body: map[string]string{"sessionId": "nope"}},
		{name: "init without file name", path: "/init-upload", body: map[string]interface{}{"fileSize": 10, "totalChunks": 1}},
		{name: "presign without chunk index", path: "/presigned-url", body: map[string]string{"fileName": "a", "sessionId": "s"}},
		{name: "completion without chunk index", path: "/chunk-completed", body: map[string]string{"sessionId": "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSONRequest(t, router, http.MethodPost, tt.path, tt.body)
			assertStatus(t, rec, http.StatusInternalServerError)
			var body map[string]string
			decodeJSON(t, rec, &body)
			assert.NotEmpty(t, body["error"])
		})
	}

	grants.err = &broker.AuthorizationFailure{Key: "s/a.part0", Err: errors.New("signing failed")}
	rec := doJSONRequest(t, router, http.MethodPost, "/presigned-url", map[string]interface{}{
		"fileName": "a", "chunkIndex": 0, "sessionId": "s",
	})
	assertStatus(t, rec, http.StatusInternalServerError)
	assert.NotContains(t, rec.Body.String(), "signing failed")

	req := httptest.NewRequest(http.MethodPost, "/init-upload", bytes.NewBufferString("{not json"))
	raw := httptest.NewRecorder()
	router.ServeHTTP(raw, req)
	assertStatus(t, raw, http.StatusInternalServerError)
}

func TestCORSPreflight(t *testing.T) {
	router, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/init-upload", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assertStatus(t, rec, http.StatusNoContent)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestResponsesAreCompressedOnRequest(t *testing.T) {
	router, store, _ := newTestServer(t)

	totalChunks := 500
	id, err := store.CreateSession(context.Background(), "big.bin", int64(totalChunks)*5*1024*1024, totalChunks)
	require.NoError(t, err)
	for i := 0; i < totalChunks; i++ {
		require.NoError(t, store.MarkChunkComplete(context.Background(), id, i))
	}

	req := httptest.NewRequest(http.MethodGet, "/session/"+id, nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assertStatus(t, rec, http.StatusOK)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)

	var body struct {
		CompletedChunks []int `json:"completedChunks"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Len(t, body.CompletedChunks, totalChunks)
}
