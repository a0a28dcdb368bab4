package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// operationRoute is where an internal API operation lives.
type operationRoute struct {
	method  string
	pattern string
}

// DefaultFleetRoutes lists the fleet API operations the test module
// documents point at.
func DefaultFleetRoutes() map[string]operationRoute {
	return map[string]operationRoute{
		"listVehicles":  {http.MethodGet, "/api/vehicles"},
		"createVehicle": {http.MethodPost, "/api/vehicles"},
		"vehicleStats":  {http.MethodGet, "/api/vehicles/stats"},
		"holdVehicle":   {http.MethodPost, "/api/vehicles/{id}/hold"},
		"deleteVehicle": {http.MethodDelete, "/api/vehicles/{id}"},
		"listDrivers":   {http.MethodGet, "/api/drivers"},
	}
}

// RecordedRequest is one call the internal API received.
type RecordedRequest struct {
	Method  string
	Path    string
	Query   url.Values
	Headers http.Header
	Body    map[string]any
	Raw     []byte
}

// reply is one scripted answer. A zero status with hangUp set drops the
// connection instead of answering.
type reply struct {
	status int
	json   any
	text   *string
	delay  time.Duration
	hangUp bool
}

// MockBackend stands in for the internal API. Each operation plays its
// scripted replies in order and repeats the last one; an unscripted
// operation answers 200 {"status":"ok"}.
type MockBackend struct {
	srv *httptest.Server

	mu      sync.Mutex
	scripts map[string][]reply
	played  map[string]int
	calls   map[string][]*RecordedRequest
}

func newMockBackend(t *testing.T, routes map[string]operationRoute) *MockBackend {
	t.Helper()
	mb := &MockBackend{
		scripts: make(map[string][]reply),
		played:  make(map[string]int),
		calls:   make(map[string][]*RecordedRequest),
	}

	r := chi.NewRouter()
	for op, route := range routes {
		r.Method(route.method, route.pattern, mb.operation(op))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMockJSON(w, http.StatusNotFound, map[string]string{
			"error": "mock: nothing registered for " + r.Method + " " + r.URL.Path,
		})
	})

	mb.srv = httptest.NewServer(r)
	t.Cleanup(mb.srv.Close)
	return mb
}

// URL is the internal API base URL.
func (mb *MockBackend) URL() string { return mb.srv.URL }

// OperationMock scripts replies for one operation.
type OperationMock struct {
	mb *MockBackend
	op string
}

// OnOperation starts scripting the named operation.
func (mb *MockBackend) OnOperation(op string) *OperationMock {
	return &OperationMock{mb: mb, op: op}
}

func (om *OperationMock) then(r reply) *OperationMock {
	om.mb.mu.Lock()
	om.mb.scripts[om.op] = append(om.mb.scripts[om.op], r)
	om.mb.mu.Unlock()
	return om
}

// RespondWith answers with status and body encoded as JSON.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	return om.then(reply{status: status, json: body})
}

// RespondWithText answers with a text/plain body.
func (om *OperationMock) RespondWithText(status int, text string) *OperationMock {
	return om.then(reply{status: status, text: &text})
}

// RespondWithDelay answers like RespondWith after delay, unless the caller
// gives up first.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	return om.then(reply{status: status, json: body, delay: delay})
}

// RespondWithConnectionError drops the connection without answering.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	return om.then(reply{hangUp: true})
}

func (mb *MockBackend) operation(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		rec := &RecordedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Query:   r.URL.Query(),
			Headers: r.Header.Clone(),
			Raw:     raw,
		}
		_ = json.Unmarshal(raw, &rec.Body)

		mb.mu.Lock()
		mb.calls[op] = append(mb.calls[op], rec)
		next, scripted := mb.next(op)
		mb.mu.Unlock()

		if !scripted {
			writeMockJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		if next.hangUp {
			if conn, _, err := http.NewResponseController(w).Hijack(); err == nil {
				_ = conn.Close()
			}
			return
		}
		if next.delay > 0 {
			select {
			case <-time.After(next.delay):
			case <-r.Context().Done():
				return
			}
		}
		if next.text != nil {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(next.status)
			_, _ = io.WriteString(w, *next.text)
			return
		}
		writeMockJSON(w, next.status, next.json)
	}
}

// next returns the operation's current reply. Callers hold mb.mu.
func (mb *MockBackend) next(op string) (reply, bool) {
	script := mb.scripts[op]
	if len(script) == 0 {
		return reply{}, false
	}
	i := min(mb.played[op], len(script)-1)
	mb.played[op]++
	return script[i], true
}

func writeMockJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// AssertCalled fails t unless op was called exactly want times.
func (mb *MockBackend) AssertCalled(t *testing.T, op string, want int) {
	t.Helper()
	if got := len(mb.AllRequests(op)); got != want {
		t.Errorf("mock: %s called %d times, want %d", op, got, want)
	}
}

// AssertNotCalled fails t if op was called at all.
func (mb *MockBackend) AssertNotCalled(t *testing.T, op string) {
	t.Helper()
	mb.AssertCalled(t, op, 0)
}

// LastRequest returns the most recent call to op, or nil.
func (mb *MockBackend) LastRequest(op string) *RecordedRequest {
	calls := mb.AllRequests(op)
	if len(calls) == 0 {
		return nil
	}
	return calls[len(calls)-1]
}

// AllRequests returns a copy of the calls made to op.
func (mb *MockBackend) AllRequests(op string) []*RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]*RecordedRequest(nil), mb.calls[op]...)
}
