package httpclient

import (
	"errors"
	"net/http"
	"testing"
	"time"

	runnererrors "github.com/metyatech/agent-runner/internal/errors"
)

type stubRoundTripper struct {
	status int
	err    error
	calls  int
}

func (s *stubRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &http.Response{StatusCode: s.status, Body: http.NoBody}, nil
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	stub := &stubRoundTripper{err: errors.New("connection refused")}
	rt := WrapTransportWithCircuitBreaker(stub, "quota-backend", runnererrors.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})

	req, _ := http.NewRequest(http.MethodGet, "http://quota.local/usage", nil)

	for i := 0; i < 2; i++ {
		if _, err := rt.RoundTrip(req); err == nil {
			t.Fatal("expected transport error")
		}
	}

	// Third call must be rejected without touching the transport.
	_, err := rt.RoundTrip(req)
	if err == nil {
		t.Fatal("expected breaker rejection")
	}
	if !runnererrors.IsDegraded(err) {
		t.Fatalf("expected degraded error, got %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("expected 2 transport calls, got %d", stub.calls)
	}
}

func TestBreakerCountsServerStatusAsFailure(t *testing.T) {
	stub := &stubRoundTripper{status: http.StatusServiceUnavailable}
	rt := WrapTransportWithCircuitBreaker(stub, "quota-backend", runnererrors.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})

	req, _ := http.NewRequest(http.MethodGet, "http://quota.local/usage", nil)
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatalf("status responses should pass through, got %v", err)
	}
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected breaker rejection after 503")
	}
}
