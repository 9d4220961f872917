package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

// MockTransport is a scripted Transport for tests. One MockTransport serves
// every transport generation, so rebuilds keep the same stubs and recorded
// requests.
//
// Queued outcomes are consumed first, one per request, in FIFO order. After
// the queue is empty, stubs are matched in registration order, then the
// default response or error applies.
//
// Example:
//
//	mock := httpclient.NewMockTransport().
//	    QueueError(syscall.ECONNRESET).
//	    StubResponse(http.StatusOK, `{"ok":true}`)
//
//	client, _ := httpclient.New("http://api.test", httpclient.WithMockTransport(mock))
type MockTransport struct {
	mu          sync.RWMutex
	queue       []stub
	stubs       []stub
	fallback    *stub
	requests    []*http.Request
	requestHook func(*http.Request)
	opens       int
	idleCloses  int
}

type stub struct {
	matcher    func(*http.Request) bool
	statusCode int
	body       string
	err        error

	// hang blocks until the request context is done.
	hang bool
}

// NewMockTransport creates an empty MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// response builds a fresh response per request so concurrent callers never
// share a body.
func (s stub) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    s.statusCode,
		Status:        fmt.Sprintf("%d %s", s.statusCode, http.StatusText(s.statusCode)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(s.body)),
		ContentLength: int64(len(s.body)),
		Header:        http.Header{},
		Request:       req,
	}
}

// StubResponse makes unmatched requests return the given response.
func (m *MockTransport) StubResponse(statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &stub{statusCode: statusCode, body: body}
	return m
}

// StubError makes unmatched requests fail with err.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &stub{err: err}
	return m
}

// StubPath stubs requests for path.
func (m *MockTransport) StubPath(path string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.URL.Path == path
	}, statusCode, body)
}

// StubPathRegex stubs requests whose path matches pattern.
func (m *MockTransport) StubPathRegex(pattern string, statusCode int, body string) *MockTransport {
	re := regexp.MustCompile(pattern)
	return m.StubFunc(func(req *http.Request) bool {
		return re.MatchString(req.URL.Path)
	}, statusCode, body)
}

// StubMethod stubs requests with the given method.
func (m *MockTransport) StubMethod(method string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.Method == method
	}, statusCode, body)
}

// StubFunc stubs requests matching the predicate.
func (m *MockTransport) StubFunc(
	matcher func(*http.Request) bool,
	statusCode int,
	body string,
) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{matcher: matcher, statusCode: statusCode, body: body})
	return m
}

// StubFuncError makes requests matching the predicate fail with err.
func (m *MockTransport) StubFuncError(matcher func(*http.Request) bool, err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{matcher: matcher, err: err})
	return m
}

// StubHang makes requests matching the predicate block until their context
// is done.
func (m *MockTransport) StubHang(matcher func(*http.Request) bool) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{matcher: matcher, hang: true})
	return m
}

// QueueResponse answers the next unanswered request with the given response.
func (m *MockTransport) QueueResponse(statusCode int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, stub{statusCode: statusCode, body: body})
	return m
}

// QueueError fails the next unanswered request with err.
func (m *MockTransport) QueueError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, stub{err: err})
	return m
}

// QueueHang blocks the next unanswered request until its context is done.
func (m *MockTransport) QueueHang() *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, stub{hang: true})
	return m
}

// OnRequest sets a hook called for each request before it is answered.
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
	var next *stub
	if len(m.queue) > 0 {
		s := m.queue[0]
		m.queue = m.queue[1:]
		next = &s
	}
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	if next != nil {
		return answer(req, *next)
	}

	m.mu.RLock()
	for _, s := range m.stubs {
		if s.matcher(req) {
			m.mu.RUnlock()
			return answer(req, s)
		}
	}
	fallback := m.fallback
	m.mu.RUnlock()

	if fallback != nil {
		return answer(req, *fallback)
	}

	return nil, errors.New("no stub found for request: " + req.Method + " " + req.URL.String())
}

func answer(req *http.Request, s stub) (*http.Response, error) {
	switch {
	case s.hang:
		<-req.Context().Done()
		return nil, req.Context().Err()
	case s.err != nil:
		return nil, s.err
	default:
		return s.response(req), nil
	}
}

// CloseIdleConnections implements Transport. Calls are counted.
func (m *MockTransport) CloseIdleConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleCloses++
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

// LastRequest returns the most recent request, or nil if none.
func (m *MockTransport) LastRequest() *http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// Opens returns how many times a client opened this transport, i.e. one plus
// the number of rebuilds.
func (m *MockTransport) Opens() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opens
}

// IdleCloses returns how many times CloseIdleConnections was called.
func (m *MockTransport) IdleCloses() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idleCloses
}

// Reset clears recorded requests, counters, the queue and all stubs.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.queue = nil
	m.stubs = nil
	m.fallback = nil
	m.requestHook = nil
	m.opens = 0
	m.idleCloses = 0
}

// WithMockTransport makes the client open mock for every transport
// generation.
func WithMockTransport(mock *MockTransport) Option {
	return WithTransportFactory(func(TransportSettings) (Transport, error) {
		mock.mu.Lock()
		defer mock.mu.Unlock()
		mock.opens++
		return mock, nil
	})
}
