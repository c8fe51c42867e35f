// Package resource is the Resource Step Engine: the small set of
// idempotent primitives the provision and removal pipelines compose to
// create or delete one cloud resource at a time, keyed by the resource's
// stable name. Every step advances a resource by zero-or-one cloud call
// and is safe to call again next pass — a create already confirmed, or a
// delete already verified, is a no-op.
package resource

import (
	"context"
	"net/http"

	"github.com/wisbric/vmfleet/internal/azure/gateway"
	"github.com/wisbric/vmfleet/internal/store"
)

// LRO is the non-blocking subset of azcore/runtime.Poller this engine
// drives. Poll advances a long-running operation by a single step without
// blocking until completion, so one scan pass never holds the whole
// IP->NIC->VM chain (or its reverse) open waiting on a cloud operation
// that can take minutes.
type LRO[T any] interface {
	Poll(ctx context.Context) (*http.Response, error)
	Done() bool
	Result(ctx context.Context) (T, error)
	ResumeToken() (string, error)
}

// GetFunc GETs a resource by its stable name.
type GetFunc[T any] func(ctx context.Context) (T, error)

// StateFunc extracts a resource's Azure provisioningState.
type StateFunc[T any] func(T) string

// IDFunc extracts the cloud-assigned resource id from a fetched or
// created resource.
type IDFunc[T any] func(T) string

// BeginFunc starts a create/update or delete. When resumeToken is
// non-empty it resumes an operation already in flight instead of issuing
// a duplicate request.
type BeginFunc[T any] func(ctx context.Context, resumeToken string) (LRO[T], error)

// ModifyFunc folds data from a freshly observed or created resource back
// into the caller's state, e.g. recording a NIC's id onto the VM config
// that will reference it.
type ModifyFunc[T any] func(T)

// MarkFailedFunc is invoked when a resource can no longer be provisioned
// as-is (a terminal provisioningState, or a create whose target vanished
// out from under it); the caller uses it to start the removal pipeline
// instead of retrying a doomed create.
type MarkFailedFunc func()

// failProvisioningStates are provisioningState values that mean a
// resource will never reach Succeeded on its own and the worker owning
// it should be torn down instead of retried.
var failProvisioningStates = map[string]bool{
	"Failed":       true,
	"Deleting":     true,
	"Canceled":     true,
	"Deallocating": true,
}

// removalInProgressStates are provisioningState values meaning a resource
// is already on its way out; Remove waits rather than
// issue a redundant delete.
var removalInProgressStates = map[string]bool{
	"Deleting":     true,
	"Deallocating": true,
	"Deallocated":  true,
}

func strPtr(s string) *string { return &s }

// Provision advances ref toward a confirmed cloud resource by at most one
// step:
//
//  1. If ref already carries a confirmed id, return immediately.
//  2. GET the resource by name.
//     - Found: a terminal provisioningState means the resource is doomed
//       regardless of how it got there — clear any stale operation and
//       call markFailed. Otherwise persist the resolved id and run modify.
//     - 404 with an operation already recorded: poll it without blocking.
//       If it is done, the create finished yet the resource is still
//       absent — it was probably deleted out from under us — so clear the
//       operation and call markFailed. Otherwise wait for the next pass.
//     - 404 with no operation: start the create and record its resume
//       token.
//     - any other error: a transient cloud/network failure returns
//       TransientCloudError for the caller to retry; anything else is a
//       terminal CreationError.
func Provision[T any](
	ctx context.Context,
	ref *store.ResourceRef,
	resourceKind string,
	gw *gateway.Gateway,
	bucket gateway.Bucket,
	get GetFunc[T],
	state StateFunc[T],
	id IDFunc[T],
	begin BeginFunc[T],
	modify ModifyFunc[T],
	markFailed MarkFailedFunc,
) error {
	if ref.Present() {
		return nil
	}

	if err := gw.Wait(ctx, bucket); err != nil {
		return err
	}

	result, err := get(ctx)
	if err == nil {
		if failProvisioningStates[state(result)] {
			ref.Operation = ""
			markFailed()
			return nil
		}
		ref.ID = strPtr(id(result))
		ref.Operation = ""
		if modify != nil {
			modify(result)
		}
		return nil
	}

	if !gateway.IsNotFound(err) {
		if gateway.Classify(err).Retry {
			return &TransientCloudError{Resource: resourceKind, Name: ref.Name, Err: err}
		}
		return &CreationError{Resource: resourceKind, Name: ref.Name, Err: err}
	}

	if ref.Operation == "" {
		return beginCreate(ctx, ref, resourceKind, begin)
	}
	return pollCreate(ctx, ref, resourceKind, begin, markFailed)
}

func beginCreate[T any](ctx context.Context, ref *store.ResourceRef, resourceKind string, begin BeginFunc[T]) error {
	poller, err := begin(ctx, "")
	if err != nil {
		if gateway.Classify(err).Retry {
			return &TransientCloudError{Resource: resourceKind, Name: ref.Name, Err: err}
		}
		return &CreationError{Resource: resourceKind, Name: ref.Name, Err: err}
	}
	token, err := poller.ResumeToken()
	if err != nil {
		return &CreationError{Resource: resourceKind, Name: ref.Name, Err: err}
	}
	ref.Operation = token
	return nil
}

func pollCreate[T any](ctx context.Context, ref *store.ResourceRef, resourceKind string, begin BeginFunc[T], markFailed MarkFailedFunc) error {
	poller, err := begin(ctx, ref.Operation)
	if err != nil {
		return &TransientCloudError{Resource: resourceKind, Name: ref.Name, Err: err}
	}
	if _, err := poller.Poll(ctx); err != nil {
		// A transport failure while polling says nothing about the
		// operation itself; treat it as still in flight and try again
		// next pass rather than abandoning a create that may well finish.
		return nil
	}
	if !poller.Done() {
		return nil
	}

	// The operation is done, yet this pass's GET still reports the
	// resource absent: it was created and then removed out from under us.
	// There is nothing left to resume.
	ref.Operation = ""
	markFailed()
	return nil
}

// Remove advances ref toward a confirmed-deleted cloud resource by at
// most one step. Deletion completion is proven only by a 404 on a
// subsequent GET: the delete operation's own poller result is
// informational, never authoritative, so a delete blocked mid-flight (a
// VM with an attached data disk, say) is retried next pass instead of
// being marked gone on the strength of a resume token alone.
//
//  1. If ref has no confirmed id, GET by name.
//     - Found with a provisioningState that already means "on its way
//       out": nothing to do this pass, report not-yet-gone.
//     - Found otherwise: fall through to issuing the delete.
//     - 404: clear id and operation, report verified gone.
//  2. Issue (or resume) the delete, clear id, and record the resume
//     token if one came back. Report not-yet-gone: the next pass's GET
//     is what proves the delete actually landed.
func Remove[T any](
	ctx context.Context,
	ref *store.ResourceRef,
	resourceKind string,
	gw *gateway.Gateway,
	bucket gateway.Bucket,
	get GetFunc[T],
	state StateFunc[T],
	begin BeginFunc[T],
) (bool, error) {
	if err := gw.Wait(ctx, bucket); err != nil {
		return false, err
	}

	if !ref.Present() {
		result, err := get(ctx)
		if err != nil {
			if gateway.IsNotFound(err) {
				ref.ID = nil
				ref.Operation = ""
				return true, nil
			}
			if gateway.Classify(err).Retry {
				return false, &TransientCloudError{Resource: resourceKind, Name: ref.Name, Err: err}
			}
			return false, &DeletionError{Resource: resourceKind, Name: ref.Name, Err: err}
		}
		if removalInProgressStates[state(result)] {
			return false, nil
		}
	}

	poller, err := begin(ctx, ref.Operation)
	if err != nil {
		if gateway.IsNotFound(err) {
			ref.ID = nil
			ref.Operation = ""
			return true, nil
		}
		if gateway.Classify(err).Retry {
			return false, &TransientCloudError{Resource: resourceKind, Name: ref.Name, Err: err}
		}
		return false, &DeletionError{Resource: resourceKind, Name: ref.Name, Err: err}
	}

	ref.ID = nil
	if token, err := poller.ResumeToken(); err == nil {
		ref.Operation = token
	}
	return false, nil
}
