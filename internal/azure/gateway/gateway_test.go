package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

func TestClassifyRetriesThrottleAndServerErrors(t *testing.T) {
	cases := []struct {
		name          string
		err           error
		wantRetry     bool
		wantThrottled bool
	}{
		{"nil", nil, false, false},
		{"429", &azcore.ResponseError{StatusCode: http.StatusTooManyRequests}, true, true},
		{"503", &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, true, false},
		{"404", &azcore.ResponseError{StatusCode: http.StatusNotFound}, false, false},
		{"400", &azcore.ResponseError{StatusCode: http.StatusBadRequest}, false, false},
		{"opaque network error", errors.New("dial tcp: connection reset"), true, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.err)
			if got.Retry != c.wantRetry {
				t.Errorf("Classify(%v).Retry = %v, want %v", c.err, got.Retry, c.wantRetry)
			}
			if got.Throttled != c.wantThrottled {
				t.Errorf("Classify(%v).Throttled = %v, want %v", c.err, got.Throttled, c.wantThrottled)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}) {
		t.Error("expected 404 to be reported as not found")
	}
	if IsNotFound(&azcore.ResponseError{StatusCode: http.StatusConflict}) {
		t.Error("expected 409 to not be reported as not found")
	}
	if IsNotFound(errors.New("boom")) {
		t.Error("expected a non-ARM error to not be reported as not found")
	}
}

func TestBackoffDelayGrowsAndCapsForServerErrors(t *testing.T) {
	b := NewBackoff(DefaultBackoffDelay)

	d0 := b.Delay(0, false)
	if d0 < DefaultBackoffDelay*8/10 || d0 > DefaultBackoffDelay*12/10 {
		t.Errorf("Delay(0, false) = %v, want roughly %v", d0, DefaultBackoffDelay)
	}

	dHigh := b.Delay(20, false)
	if dHigh > MaxBackoffDelay*12/10 {
		t.Errorf("Delay(20, false) = %v, want capped near %v", dHigh, MaxBackoffDelay)
	}
}

func TestBackoffDelayIsFlatForThrottling(t *testing.T) {
	b := NewBackoff(DefaultBackoffDelay)

	want := DefaultBackoffDelay * 50
	for _, attempt := range []int{0, 1, 5} {
		d := b.Delay(attempt, true)
		if d < want*8/10 || d > want*12/10 {
			t.Errorf("Delay(%d, true) = %v, want roughly %v regardless of attempt", attempt, d, want)
		}
	}
}

func TestDoReturnsOnFirstSuccess(t *testing.T) {
	g := New(Limits{BucketWrite: {QPS: 1000, Burst: 1000}}, NewBackoff(0))
	calls := 0
	got, err := Do(context.Background(), g, BucketWrite, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got != "ok" {
		t.Errorf("Do() = %q, want ok", got)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	g := New(Limits{BucketWrite: {QPS: 1000, Burst: 1000}}, NewBackoff(time.Microsecond))
	calls := 0
	got, err := Do(context.Background(), g, BucketWrite, func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got != "ok" {
		t.Errorf("Do() = %q, want ok", got)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
}

func TestDoStopsImmediatelyOnTerminalError(t *testing.T) {
	g := New(Limits{BucketWrite: {QPS: 1000, Burst: 1000}}, NewBackoff(0))
	calls := 0
	_, err := Do(context.Background(), g, BucketWrite, func(ctx context.Context) (string, error) {
		calls++
		return "", &azcore.ResponseError{StatusCode: http.StatusBadRequest}
	})
	if err == nil {
		t.Fatal("expected an error for a terminal failure")
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 for a non-retryable error", calls)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	g := New(Limits{BucketWrite: {QPS: 1000, Burst: 1000}}, NewBackoff(time.Microsecond))
	calls := 0
	_, err := Do(context.Background(), g, BucketWrite, func(ctx context.Context) (string, error) {
		calls++
		return "", &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
	})
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
	if calls != MaxRetryAttempts {
		t.Errorf("fn called %d times, want %d", calls, MaxRetryAttempts)
	}
}
