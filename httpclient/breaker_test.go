package httpclient

import (
	"context"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kroma-labs/persistent-go/httpclient/mocks"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestDefaultBreakerConfig(t *testing.T) {
	cfg := DefaultBreakerConfig()
	assert.Equal(t, uint32(1), cfg.MaxRequests)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, uint32(20), cfg.FailureThreshold)
	assert.InEpsilon(t, 0.5, cfg.FailureRatio, 0.001)
	assert.Equal(t, uint32(5), cfg.ConsecutiveFailures)
	assert.NotNil(t, cfg.Classifier)
	assert.Nil(t, cfg.Store)
}

func TestDistributedBreakerConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := NewRedisStore(rdb)
	cfg := DistributedBreakerConfig(store)

	assert.Equal(t, store, cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, uint32(5), cfg.ConsecutiveFailures)
}

func TestDefaultBreakerClassifier(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
		err  error
		want bool
	}{
		{name: "given 200, then not a failure", resp: &http.Response{StatusCode: http.StatusOK}, want: false},
		{name: "given 404, then not a failure", resp: &http.Response{StatusCode: http.StatusNotFound}, want: false},
		{name: "given 503, then a failure", resp: &http.Response{StatusCode: http.StatusServiceUnavailable}, want: true},
		{name: "given connection reset, then a failure", err: connReset(), want: true},
		{name: "given caller cancellation, then not a failure", err: context.Canceled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultBreakerClassifier(tt.resp, tt.err))
		})
	}
}

func TestReadyToTrip(t *testing.T) {
	tests := []struct {
		name   string
		cfg    BreakerConfig
		counts gobreaker.Counts
		want   bool
	}{
		{
			name:   "given consecutive failures reached, then trips",
			cfg:    BreakerConfig{ConsecutiveFailures: 3},
			counts: gobreaker.Counts{Requests: 3, TotalFailures: 3, ConsecutiveFailures: 3},
			want:   true,
		},
		{
			name:   "given requests below threshold, then does not trip",
			cfg:    BreakerConfig{FailureThreshold: 10, FailureRatio: 0.5},
			counts: gobreaker.Counts{Requests: 9, TotalFailures: 9},
			want:   false,
		},
		{
			name:   "given ratio reached above threshold, then trips",
			cfg:    BreakerConfig{FailureThreshold: 10, FailureRatio: 0.5},
			counts: gobreaker.Counts{Requests: 10, TotalFailures: 5},
			want:   true,
		},
		{
			name:   "given ratio below limit, then does not trip",
			cfg:    BreakerConfig{FailureThreshold: 10, FailureRatio: 0.5},
			counts: gobreaker.Counts{Requests: 10, TotalFailures: 4},
			want:   false,
		},
		{
			name:   "given all rules disabled, then never trips",
			cfg:    BreakerConfig{},
			counts: gobreaker.Counts{Requests: 100, TotalFailures: 100, ConsecutiveFailures: 100},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, readyToTrip(tt.cfg)(tt.counts))
		})
	}
}

func TestBreakerGuard_RoundTrip(t *testing.T) {
	passThrough := func(req func() (*http.Response, error)) (*http.Response, error) {
		return req()
	}

	tests := []struct {
		name       string
		mockFn     func(*mocks.CircuitBreaker, *MockTransport)
		wantErr    error
		wantStatus int
		wantCalls  int
	}{
		{
			name: "given successful execution, then returns response",
			mockFn: func(cb *mocks.CircuitBreaker, tr *MockTransport) {
				cb.EXPECT().Execute(mock.Anything).RunAndReturn(passThrough).Once()
				tr.StubResponse(http.StatusOK, "ok")
			},
			wantStatus: http.StatusOK,
			wantCalls:  1,
		},
		{
			name: "given open circuit, then rejects without sending",
			mockFn: func(cb *mocks.CircuitBreaker, _ *MockTransport) {
				cb.EXPECT().Execute(mock.Anything).Return(nil, gobreaker.ErrOpenState).Once()
			},
			wantErr:   ErrBreakerOpen,
			wantCalls: 0,
		},
		{
			name: "given too many half-open probes, then rejects without sending",
			mockFn: func(cb *mocks.CircuitBreaker, _ *MockTransport) {
				cb.EXPECT().Execute(mock.Anything).Return(nil, gobreaker.ErrTooManyRequests).Once()
			},
			wantErr:   gobreaker.ErrTooManyRequests,
			wantCalls: 0,
		},
		{
			name: "given 500 response, then counts a failure but returns the response",
			mockFn: func(cb *mocks.CircuitBreaker, tr *MockTransport) {
				cb.EXPECT().Execute(mock.Anything).
					RunAndReturn(func(req func() (*http.Response, error)) (*http.Response, error) {
						resp, err := req()
						assert.ErrorIs(t, err, errSyntheticFailure)
						return resp, err
					}).Once()
				tr.StubResponse(http.StatusInternalServerError, "boom")
			},
			wantStatus: http.StatusInternalServerError,
			wantCalls:  1,
		},
		{
			name: "given network error, then returns it",
			mockFn: func(cb *mocks.CircuitBreaker, tr *MockTransport) {
				cb.EXPECT().Execute(mock.Anything).RunAndReturn(passThrough).Once()
				tr.StubError(connReset())
			},
			wantErr:   syscall.ECONNRESET,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := mocks.NewCircuitBreaker(t)
			tr := NewMockTransport()
			tt.mockFn(cb, tr)

			guard := &breakerGuard{breaker: cb, classifier: DefaultBreakerClassifier, name: "test"}
			req, err := http.NewRequest(http.MethodGet, "http://api.test/x", http.NoBody)
			require.NoError(t, err)

			resp, err := guard.roundTrip(tr, req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, resp)
			} else {
				require.NoError(t, err)
				require.NotNil(t, resp)
				assert.Equal(t, tt.wantStatus, resp.StatusCode)
				_ = resp.Body.Close()
			}
			assert.Equal(t, tt.wantCalls, tr.RequestCount())
		})
	}
}

func TestClient_CircuitBreaker(t *testing.T) {
	t.Run("given consecutive server errors, then opens and stops sending", func(t *testing.T) {
		tr := NewMockTransport().StubResponse(http.StatusInternalServerError, "down")
		var transitions []gobreaker.State
		client := newMockClient(t, tr, WithBreakerConfig(BreakerConfig{
			ConsecutiveFailures: 2,
			Timeout:             time.Minute,
			OnStateChange: func(_ string, _, to gobreaker.State) {
				transitions = append(transitions, to)
			},
		}))

		for range 2 {
			resp, err := client.Get(context.Background(), "/x", nil, nil)
			require.NoError(t, err)
			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		}

		resp, err := client.Get(context.Background(), "/x", nil, nil)
		assert.ErrorIs(t, err, ErrBreakerOpen)
		assert.Nil(t, resp)
		assert.Equal(t, 2, tr.RequestCount(), "rejected call is neither sent nor retried")
		assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
	})

	t.Run("given connection failures, then breaker state survives rebuilds", func(t *testing.T) {
		tr := NewMockTransport().StubError(connReset())
		client := newMockClient(t, tr,
			WithMaxRetries(5),
			WithBreakerConfig(BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute}),
		)

		_, err := client.Get(context.Background(), "/x", nil, nil)
		assert.ErrorIs(t, err, ErrBreakerOpen)
		assert.Equal(t, 2, tr.RequestCount())
		assert.Equal(t, 3, tr.Opens(), "each connection failure rebuilds, the rejection does not")
	})

	t.Run("given distributed store, then trips through redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		cfg := DistributedBreakerConfig(NewRedisStore(rdb))
		cfg.ConsecutiveFailures = 1
		cfg.Timeout = time.Minute

		tr := NewMockTransport().StubResponse(http.StatusBadGateway, "")
		client := newMockClient(t, tr, WithName("shared-upstream"), WithBreakerConfig(cfg))

		resp, err := client.Get(context.Background(), "/x", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

		_, err = client.Get(context.Background(), "/x", nil, nil)
		assert.ErrorIs(t, err, ErrBreakerOpen)
		assert.Equal(t, 1, tr.RequestCount())
		assert.NotEmpty(t, mr.Keys(), "breaker state is stored in redis")
	})
}
