package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, opts ...Option) http.Handler {
	t.Helper()
	ids := []string{"p-1", "p-2", "p-3"}
	h, err := espalier.New(testutils.NewRegistry(), espalier.WithIDGenerator(func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}))
	require.NoError(t, err)
	return NewHandler(h, opts...)
}

func do(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, w.Code, resp.StatusCode)
	return resp
}

func TestServer_CreateAndUpdate(t *testing.T) {
	handler := newTestHandler(t)

	w := do(t, handler, http.MethodPost, "/create", `{"wasm":"accumulator.wasm","parameter":{"initial":0}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"wasm":"accumulator.wasm","process_id":"p-1","state":{"accumulator":0},"operations":[]}`, w.Body.String())

	for _, event := range []string{`{"Add":1}`, `{"Add":1}`, `{"Add":2}`, `{"Multiply":3}`} {
		w = do(t, handler, http.MethodPost, "/update", `{"wasm":"accumulator.wasm","process_id":"p-1","event":`+event+`}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	assert.JSONEq(t, `{"wasm":"accumulator.wasm","process_id":"p-1","state":{"accumulator":12},"operations":[]}`, w.Body.String())

	w = do(t, handler, http.MethodGet, "/processes/accumulator.wasm/p-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"accumulator":12`)

	w = do(t, handler, http.MethodGet, "/processes/accumulator.wasm", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"processes":["p-1"]}`, w.Body.String())

	w = do(t, handler, http.MethodDelete, "/processes/accumulator.wasm/p-1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, handler, http.MethodGet, "/processes/accumulator.wasm/p-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Errors(t *testing.T) {
	handler := newTestHandler(t)

	tests := []struct {
		name    string
		path    string
		body    string
		status  int
		message string
	}{
		{"Invalid JSON", "/create", `{`, http.StatusBadRequest, "invalid request body"},
		{"Missing Parameter", "/create", `{"wasm":"accumulator.wasm"}`, http.StatusBadRequest, "required"},
		{"Missing Process", "/update", `{"wasm":"accumulator.wasm","event":{"Add":1}}`, http.StatusBadRequest, "required"},
		{"Unknown Module", "/create", `{"wasm":"nope.wasm","parameter":{}}`, http.StatusNotFound, "module_not_found"},
		{"Unknown Process", "/update", `{"wasm":"accumulator.wasm","process_id":"ghost","event":{"Add":1}}`, http.StatusNotFound, "process_not_found"},
		{"Guest Rejects Parameter", "/create", `{"wasm":"accumulator.wasm","parameter":{"initial":"zero"}}`, http.StatusUnprocessableEntity, "malformed payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, handler, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, decodeError(t, w).Error, tt.message)
		})
	}

	t.Run("Convergence Failure", func(t *testing.T) {
		w := do(t, handler, http.MethodPost, "/create", `{"wasm":"oscillator.wasm","parameter":{}}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var created espalier.Result
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

		w = do(t, handler, http.MethodPost, "/update", `{"wasm":"oscillator.wasm","process_id":"`+created.ProcessID+`","event":{"Kick":{}}}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "update_limit_exceeded", decodeError(t, w).Error)
	})
}

func TestServer_Metadata(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("espalier_requests_total 0\n"))
	})
	handler := newTestHandler(t, WithMetricsHandler(metrics))

	w := do(t, handler, http.MethodGet, "/modules", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"modules":["accumulator.wasm","countdown.wasm","oscillator.wasm","panel.wasm"]}`, w.Body.String())

	w = do(t, handler, http.MethodGet, "/health", "")
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, handler, http.MethodGet, "/info", "")
	assert.Contains(t, w.Body.String(), strings.TrimSpace(espalier.Version))

	w = do(t, handler, http.MethodGet, "/metrics", "")
	assert.Contains(t, w.Body.String(), "espalier_requests_total")

	w = do(t, handler, http.MethodOptions, "/create", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_OpenAPI(t *testing.T) {
	swagger, err := GetSwagger()
	require.NoError(t, err)
	require.NoError(t, swagger.Validate(context.Background()))
	for _, path := range []string{"/create", "/update", "/processes/{module}", "/processes/{module}/{id}", "/modules", "/events"} {
		assert.NotNil(t, swagger.Paths.Value(path), path)
	}

	handler := newTestHandler(t)

	w := do(t, handler, http.MethodGet, "/openapi.yaml", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/yaml", w.Header().Get("Content-Type"))
	assert.Equal(t, rawSpec, w.Body.Bytes())

	w = do(t, handler, http.MethodGet, "/swagger", "")
	assert.Contains(t, w.Body.String(), "/openapi.yaml")

	w = do(t, handler, http.MethodGet, "/info", "")
	assert.Contains(t, w.Body.String(), `"api_version":"`+swagger.Info.Version+`"`)

	t.Run("Responses Match Schemas", func(t *testing.T) {
		validate := func(schema string, w *httptest.ResponseRecorder) {
			t.Helper()
			var body any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NoError(t, swagger.Components.Schemas[schema].Value.VisitJSON(body), w.Body.String())
		}

		w := do(t, handler, http.MethodPost, "/create", `{"wasm":"panel.wasm","parameter":{"count":1,"level":2}}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		validate("ProcessResult", w)

		w = do(t, handler, http.MethodPost, "/update", `{"wasm":"panel.wasm","process_id":"p-1","event":{"Increment":1}}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		validate("ProcessResult", w)

		w = do(t, handler, http.MethodPost, "/update", `{"wasm":"panel.wasm","process_id":"missing","event":{}}`)
		require.Equal(t, http.StatusNotFound, w.Code)
		validate("ErrorResponse", w)
	})
}

func TestServer_MetricsNotMounted(t *testing.T) {
	w := do(t, newTestHandler(t), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubscribeEvents_Process(t *testing.T) {
	srv := httptest.NewServer(newTestHandler(t))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/create", "application/json", strings.NewReader(`{"wasm":"accumulator.wasm","parameter":{"initial":1}}`))
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?wasm=accumulator.wasm&process_id=p-1", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	lines := bufio.NewScanner(stream.Body)
	require.True(t, lines.Scan())
	// The ping is written after the subscription is registered.
	assert.Equal(t, "event: ping", lines.Text())

	resp, err = http.Post(srv.URL+"/update", "application/json", strings.NewReader(`{"wasm":"accumulator.wasm","process_id":"p-1","event":{"Add":4}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var data string
	for lines.Scan() {
		if strings.HasPrefix(lines.Text(), "data: {") {
			data = strings.TrimPrefix(lines.Text(), "data: ")
			break
		}
	}
	assert.JSONEq(t, `{"wasm":"accumulator.wasm","process_id":"p-1","state":{"accumulator":5},"operations":[]}`, data)
}

func TestSubscribeEvents_RequiresProcess(t *testing.T) {
	w := do(t, newTestHandler(t), http.MethodGet, "/events?wasm=accumulator.wasm", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamManager(t *testing.T) {
	var logs bytes.Buffer
	sm := NewStreamManager(logging.NewTo(&logs, slog.LevelWarn))
	ch, cancel := sm.Subscribe("a::1")
	assert.Equal(t, 1, sm.Subscribers("a::1"))

	sm.Broadcast("a::1", "hello")
	sm.Broadcast("a::2", "ignored")
	assert.Equal(t, "hello", <-ch)

	for i := 0; i < streamBuffer+5; i++ {
		sm.Broadcast("a::1", "flood")
	}
	assert.Len(t, ch, streamBuffer)
	assert.Equal(t, 5, strings.Count(logs.String(), "dropping message"), "drops go to the injected logger")

	cancel()
	cancel()
	assert.Zero(t, sm.Subscribers("a::1"))
}
