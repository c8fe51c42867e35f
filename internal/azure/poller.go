package azure

import (
	"context"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"

	"github.com/wisbric/vmfleet/internal/azure/resource"
)

// lroAdapter lets a real *runtime.Poller[R] satisfy the resource
// package's LRO[T] interface, whose type parameter is the domain value
// (*armnetwork.PublicIPAddress, ...) rather than the SDK's own response
// wrapper (...ClientCreateOrUpdateResponse) that embeds it. Every step
// this adapter backs is non-blocking: Poll and Done advance the
// operation by one check each, never PollUntilDone, so a create or
// delete that takes minutes on real Azure never holds open the worker
// row's transaction waiting on it.
type lroAdapter[R any, T any] struct {
	poller *runtime.Poller[R]
	toT    func(R) T
}

func (a *lroAdapter[R, T]) Poll(ctx context.Context) (*http.Response, error) { return a.poller.Poll(ctx) }
func (a *lroAdapter[R, T]) Done() bool                                       { return a.poller.Done() }

func (a *lroAdapter[R, T]) Result(ctx context.Context) (T, error) {
	r, err := a.poller.Result(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return a.toT(r), nil
}

func (a *lroAdapter[R, T]) ResumeToken() (string, error) { return a.poller.ResumeToken() }

// adaptLRO wraps poller so it satisfies resource.LRO[T], extracting the
// domain value T out of the SDK's response type R with toT.
func adaptLRO[R any, T any](poller *runtime.Poller[R], toT func(R) T) resource.LRO[T] {
	return &lroAdapter[R, T]{poller: poller, toT: toT}
}
