package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// MockTransport is a stub http.RoundTripper standing in for a fleet of
// nodes in tests. Stubs are matched in registration order; the first match
// wins. Plug it in with WithMockTransport.
//
// Example:
//
//	mock := transport.NewMockTransport().
//	    StubHostError("es-1:9200", errors.New("connection refused")).
//	    StubHost("es-2:9200", http.StatusOK, `{"ok":true}`)
//
//	tr, _ := transport.New(
//	    transport.WithNodes("es-1:9200", "es-2:9200"),
//	    transport.WithMockTransport(mock),
//	)
type MockTransport struct {
	mu          sync.RWMutex
	stubs       []mockStub
	fallback    *mockStub
	requests    []*http.Request
	requestHook func(*http.Request)
}

type mockStub struct {
	match  func(*http.Request) bool
	status int
	header http.Header
	body   []byte
	err    error
}

// NewMockTransport creates an empty MockTransport. Unmatched requests fail.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// StubResponse answers every unmatched request with status and a JSON body.
func (m *MockTransport) StubResponse(status int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &mockStub{status: status, header: jsonHeader(), body: []byte(body)}
	return m
}

// StubError fails every unmatched request with err.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &mockStub{err: err}
	return m
}

// StubHost answers requests to hostport ("es-1:9200") with a JSON body.
func (m *MockTransport) StubHost(hostport string, status int, body string) *MockTransport {
	return m.StubFunc(hostMatcher(hostport), status, jsonHeader(), body)
}

// StubHostError fails requests to hostport with err, as an unreachable
// node would.
func (m *MockTransport) StubHostError(hostport string, err error) *MockTransport {
	return m.StubFuncError(hostMatcher(hostport), err)
}

// StubPath answers requests whose URL path equals path with a JSON body.
func (m *MockTransport) StubPath(path string, status int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.URL.Path == path
	}, status, jsonHeader(), body)
}

// StubMethod answers requests with the given method. The body is sent
// without Content-Type.
func (m *MockTransport) StubMethod(method string, status int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.Method == method
	}, status, http.Header{}, body)
}

// StubFunc answers requests matching match with status, header and body.
func (m *MockTransport) StubFunc(
	match func(*http.Request) bool,
	status int,
	header http.Header,
	body string,
) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, mockStub{
		match:  match,
		status: status,
		header: header,
		body:   []byte(body),
	})
	return m
}

// StubFuncError fails requests matching match with err.
func (m *MockTransport) StubFuncError(match func(*http.Request) bool, err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, mockStub{match: match, err: err})
	return m
}

// OnRequest sets a hook called with every request before it is answered.
func (m *MockTransport) OnRequest(fn func(*http.Request)) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHook = fn
	return m
}

// RoundTrip implements http.RoundTripper.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	hook := m.requestHook
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.stubs {
		if s.match(req) {
			return s.respond(req)
		}
	}
	if m.fallback != nil {
		return m.fallback.respond(req)
	}
	return nil, fmt.Errorf("no stub found for request: %s %s", req.Method, req.URL)
}

// respond builds a fresh response so that stubs can be served repeatedly.
func (s *mockStub) respond(req *http.Request) (*http.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.status, http.StatusText(s.status)),
		StatusCode:    s.status,
		Header:        s.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.body)),
		ContentLength: int64(len(s.body)),
		Request:       req,
	}, nil
}

// Requests returns all requests made through this transport.
func (m *MockTransport) Requests() []*http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*http.Request{}, m.requests...)
}

// RequestCount returns the number of requests made.
func (m *MockTransport) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// HostRequestCount returns the number of requests sent to hostport.
func (m *MockTransport) HostRequestCount(hostport string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.URL.Host == hostport {
			n++
		}
	}
	return n
}

// LastRequest returns the most recent request, or nil if none.
func (m *MockTransport) LastRequest() *http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// Reset clears all recorded requests and stubs.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.stubs = nil
	m.fallback = nil
	m.requestHook = nil
}

func hostMatcher(hostport string) func(*http.Request) bool {
	return func(req *http.Request) bool {
		return req.URL.Host == hostport
	}
}

func jsonHeader() http.Header {
	return http.Header{"Content-Type": []string{MimeTypeJSON}}
}
