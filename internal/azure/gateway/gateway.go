// Package gateway is the Rate-Limited Cloud Gateway: every call the
// control plane makes against Azure Resource Manager passes through here
// first, so the gateway is the single place that enforces per-operation
// token-bucket budgets and classifies errors into transient vs. terminal.
package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"k8s.io/client-go/util/flowcontrol"
)

// Bucket names the rate-limited operation classes a worker pipeline uses.
// Named buckets (rather than one global limiter) let reads and writes back
// off independently, matching how client-go's own clients are rate limited.
type Bucket string

const (
	BucketQuery  Bucket = "query"  // identity-proof verification reads, metadata lookups
	BucketGet    Bucket = "get"    // single-resource GETs during scan
	BucketList   Bucket = "list"   // paged enumeration calls
	BucketOpRead Bucket = "opRead" // polling an in-flight long-running operation
	BucketWrite  Bucket = "write"  // create/update/delete calls
)

// Gateway pairs named rate limiters with the backoff used between
// retries. Pipelines call Do with the bucket an operation belongs to;
// Gateway blocks until a token is available then classifies the result.
type Gateway struct {
	limiters map[Bucket]flowcontrol.PassiveRateLimiter
	backoff  *Backoff
}

// Limits configures the token-bucket qps/burst for each named bucket.
type Limits map[Bucket]struct {
	QPS   float32
	Burst int
}

// DefaultLimits mirrors the conservative defaults client-go style cloud
// clients use: a small burst for mutating calls, a larger one for reads.
func DefaultLimits() Limits {
	return Limits{
		BucketQuery:  {QPS: 10, Burst: 20},
		BucketGet:    {QPS: 20, Burst: 40},
		BucketList:   {QPS: 5, Burst: 10},
		BucketOpRead: {QPS: 10, Burst: 30},
		BucketWrite:  {QPS: 5, Burst: 10},
	}
}

// New builds a Gateway with one token-bucket limiter per bucket.
func New(limits Limits, backoff *Backoff) *Gateway {
	if limits == nil {
		limits = DefaultLimits()
	}
	limiters := make(map[Bucket]flowcontrol.PassiveRateLimiter, len(limits))
	for bucket, l := range limits {
		limiters[bucket] = flowcontrol.NewTokenBucketPassiveRateLimiter(l.QPS, l.Burst)
	}
	if backoff == nil {
		backoff = NewBackoff(DefaultBackoffDelay)
	}
	return &Gateway{limiters: limiters, backoff: backoff}
}

// Wait blocks until the named bucket has a token available or ctx is done.
func (g *Gateway) Wait(ctx context.Context, bucket Bucket) error {
	limiter, ok := g.limiters[bucket]
	if !ok {
		return nil
	}
	for !limiter.TryAccept() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.backoff.After(0, false):
		}
	}
	return nil
}

// Classification is the result of inspecting an ARM error: whether the
// caller should retry it, and which of the two backoff formulas governs
// the wait before doing so. 429 backs off flat at base*50 since ARM's
// throttle window is fixed regardless of how many times it's been hit;
// 5xx and network failures back off exponentially at base*2^tries since
// they more plausibly clear on their own the longer a callee has to
// recover.
type Classification struct {
	Retry     bool
	Throttled bool
}

// Classify reports how err from an ARM call should be handled. 429 and
// 5xx are transient; everything else — including 404, which callers
// translate to "already absent" — is terminal from the gateway's point
// of view.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusTooManyRequests:
			return Classification{Retry: true, Throttled: true}
		case respErr.StatusCode >= 500 && respErr.StatusCode < 600:
			return Classification{Retry: true}
		default:
			return Classification{}
		}
	}
	// Network-level failures (no structured response) are treated as
	// transient: a dial timeout or reset says nothing about the resource.
	return Classification{Retry: true}
}

// MaxRetryAttempts bounds how many times in total Do calls fn, the first
// call included, before surfacing a transient failure to the caller.
const MaxRetryAttempts = 3

// Do runs fn after waiting for a token in bucket, retrying on a
// transient Classification with the matching backoff formula, for at
// most MaxRetryAttempts calls in all. It is for call sites that can afford to block
// a bounded amount of time on a single cloud call — a scan's VM GET, or
// registerWorker's VM lookup. The resource step engine's Provision and
// Remove run inside an open worker-row transaction and must never block
// past a single step, so they call their cloud functions directly and
// let a transient failure surface for the next pass to retry instead.
func Do[T any](ctx context.Context, g *Gateway, bucket Bucket, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < MaxRetryAttempts; attempt++ {
		if err := g.Wait(ctx, bucket); err != nil {
			return zero, err
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		class := Classify(err)
		if !class.Retry || attempt == MaxRetryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-g.backoff.After(attempt, class.Throttled):
		}
	}
	return zero, lastErr
}

// IsNotFound reports whether err is an ARM 404.
func IsNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
