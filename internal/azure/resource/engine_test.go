package resource

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/wisbric/vmfleet/internal/azure/gateway"
	"github.com/wisbric/vmfleet/internal/store"
)

func newTestGateway() *gateway.Gateway {
	return gateway.New(gateway.Limits{
		gateway.BucketWrite: {QPS: 1000, Burst: 1000},
	}, gateway.NewBackoff(0))
}

// fakeLRO is a hand-rolled stand-in for *runtime.Poller[T]; it implements
// LRO's Poll/Done/Result/ResumeToken method set directly. Production code
// reaches LRO through the lroAdapter in internal/azure/poller.go, which
// wraps a real poller whose result type is the SDK's response wrapper.
type fakeLRO[T any] struct {
	done     bool
	result   T
	resErr   error
	pollErr  error
	token    string
	tokenErr error
}

func (f *fakeLRO[T]) Poll(ctx context.Context) (*http.Response, error) { return nil, f.pollErr }
func (f *fakeLRO[T]) Done() bool                                       { return f.done }
func (f *fakeLRO[T]) Result(ctx context.Context) (T, error)            { return f.result, f.resErr }
func (f *fakeLRO[T]) ResumeToken() (string, error)                     { return f.token, f.tokenErr }

func notFoundErr() error { return &azcore.ResponseError{StatusCode: http.StatusNotFound} }

func TestProvisionIsNoOpWhenAlreadyPresent(t *testing.T) {
	id := "/subscriptions/x/vm-1"
	ref := &store.ResourceRef{Name: "vm-1", ID: &id}
	var getCalls, beginCalls int

	err := Provision(context.Background(), ref, "vm", newTestGateway(), gateway.BucketWrite,
		func(ctx context.Context) (string, error) { getCalls++; return "", nil },
		func(string) string { return "Succeeded" },
		func(s string) string { return s },
		func(ctx context.Context, token string) (LRO[string], error) {
			beginCalls++
			return &fakeLRO[string]{}, nil
		},
		nil, func() {},
	)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if getCalls != 0 || beginCalls != 0 {
		t.Errorf("got getCalls=%d beginCalls=%d, want 0/0 for an already-present resource", getCalls, beginCalls)
	}
}

func TestProvisionFoundResourceSetsID(t *testing.T) {
	ref := &store.ResourceRef{Name: "ip-1"}
	var modified string

	err := Provision(context.Background(), ref, "publicIPAddress", newTestGateway(), gateway.BucketWrite,
		func(ctx context.Context) (string, error) { return "res-1", nil },
		func(string) string { return "Succeeded" },
		func(s string) string { return "/subscriptions/x/ip-1" },
		func(ctx context.Context, token string) (LRO[string], error) { return &fakeLRO[string]{}, nil },
		func(s string) { modified = s },
		func() { t.Error("markFailed should not be called for a healthy resource") },
	)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if ref.ID == nil || *ref.ID != "/subscriptions/x/ip-1" {
		t.Errorf("ref.ID = %v, want /subscriptions/x/ip-1", ref.ID)
	}
	if modified != "res-1" {
		t.Errorf("modify was not run with the fetched resource")
	}
}

func TestProvisionFoundResourceInFailedStateMarksFailed(t *testing.T) {
	ref := &store.ResourceRef{Name: "vm-1", Operation: "stale-token"}
	var markedFailed bool

	err := Provision(context.Background(), ref, "virtualMachine", newTestGateway(), gateway.BucketWrite,
		func(ctx context.Context) (string, error) { return "res-1", nil },
		func(string) string { return "Failed" },
		func(s string) string { return "/subscriptions/x/vm-1" },
		func(ctx context.Context, token string) (LRO[string], error) { return &fakeLRO[string]{}, nil },
		nil,
		func() { markedFailed = true },
	)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if !markedFailed {
		t.Error("expected markFailed to run for a resource in a fail provisioning state")
	}
	if ref.Present() {
		t.Error("a failed resource should not be recorded as present")
	}
	if ref.Operation != "" {
		t.Error("stale operation should be cleared once the resource is found failed")
	}
}

func TestProvisionNotFoundWithNoOperationStartsCreate(t *testing.T) {
	ref := &store.ResourceRef{Name: "nic-1"}

	err := Provision(context.Background(), ref, "networkInterface", newTestGateway(), gateway.BucketWrite,
		func(ctx context.Context) (string, error) { return "", notFoundErr() },
		func(string) string { return "" },
		func(s string) string { return s },
		func(ctx context.Context, token string) (LRO[string], error) {
			if token != "" {
				t.Errorf("begin called with resume token %q, want empty for a fresh create", token)
			}
			return &fakeLRO[string]{token: "resume-token-1"}, nil
		},
		nil, func() {},
	)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if ref.Present() {
		t.Error("a freshly started create should not set ID yet")
	}
	if ref.Operation != "resume-token-1" {
		t.Errorf("ref.Operation = %q, want the new resume token", ref.Operation)
	}
}

func TestProvisionNotFoundWithInProgressOperationWaits(t *testing.T) {
	ref := &store.ResourceRef{Name: "nic-1", Operation: "resume-token-1"}

	err := Provision(context.Background(), ref, "networkInterface", newTestGateway(), gateway.BucketWrite,
		func(ctx context.Context) (string, error) { return "", notFoundErr() },
		func(string) string { return "" },
		func(s string) string { return s },
		func(ctx context.Context, token string) (LRO[string], error) {
			if token != "resume-token-1" {
				t.Errorf("begin called with token %q, want the stored resume token", token)
			}
			return &fakeLRO[string]{done: false}, nil
		},
		nil, func() { t.Error("markFailed should not run while the operation is still in progress") },
	)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if ref.Operation != "resume-token-1" {
		t.Error("in-progress operation token should be left untouched")
	}
}

func TestProvisionNotFoundWithDoneOperationMarksFailed(t *testing.T) {
	ref := &store.ResourceRef{Name: "nic-1", Operation: "resume-token-1"}
	var markedFailed bool

	err := Provision(context.Background(), ref, "networkInterface", newTestGateway(), gateway.BucketWrite,
		func(ctx context.Context) (string, error) { return "", notFoundErr() },
		func(string) string { return "" },
		func(s string) string { return s },
		func(ctx context.Context, token string) (LRO[string], error) {
			return &fakeLRO[string]{done: true}, nil
		},
		nil, func() { markedFailed = true },
	)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if !markedFailed {
		t.Error("a finished operation whose resource still 404s should be treated as deleted out-of-band")
	}
	if ref.Operation != "" {
		t.Error("the stale resume token should be cleared")
	}
}

func TestProvisionTransientGetErrorIsRetryable(t *testing.T) {
	ref := &store.ResourceRef{Name: "vm-1"}

	err := Provision(context.Background(), ref, "vm", newTestGateway(), gateway.BucketWrite,
		func(ctx context.Context) (string, error) {
			return "", &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
		},
		func(string) string { return "" },
		func(s string) string { return s },
		func(ctx context.Context, token string) (LRO[string], error) { return &fakeLRO[string]{}, nil },
		nil, func() {},
	)

	var transient *TransientCloudError
	if !errors.As(err, &transient) {
		t.Fatalf("error = %v, want *TransientCloudError", err)
	}
	if ref.Present() {
		t.Error("ref should not be present after a transient failure")
	}
}

func TestProvisionTerminalGetErrorIsCreationError(t *testing.T) {
	ref := &store.ResourceRef{Name: "vm-1"}

	err := Provision(context.Background(), ref, "vm", newTestGateway(), gateway.BucketWrite,
		func(ctx context.Context) (string, error) {
			return "", &azcore.ResponseError{StatusCode: http.StatusBadRequest}
		},
		func(string) string { return "" },
		func(s string) string { return s },
		func(ctx context.Context, token string) (LRO[string], error) { return &fakeLRO[string]{}, nil },
		nil, func() {},
	)

	var creationErr *CreationError
	if !errors.As(err, &creationErr) {
		t.Fatalf("error = %v, want *CreationError", err)
	}
}

func TestRemoveIsVerifiedGoneOn404(t *testing.T) {
	ref := &store.ResourceRef{Name: "vm-1"}
	var beginCalls int

	gone, err := Remove(context.Background(), ref, "vm", newTestGateway(), gateway.BucketWrite,
		func(ctx context.Context) (string, error) { return "", notFoundErr() },
		func(string) string { return "" },
		func(ctx context.Context, token string) (LRO[string], error) { beginCalls++; return &fakeLRO[string]{}, nil },
	)
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if !gone {
		t.Error("a 404 GET should report the resource verified gone")
	}
	if beginCalls != 0 {
		t.Error("a resource already gone should never have delete issued against it")
	}
}

func TestRemoveWaitsWhileAlreadyDeleting(t *testing.T) {
	ref := &store.ResourceRef{Name: "vm-1"}
	var beginCalls int

	gone, err := Remove(context.Background(), ref, "vm", newTestGateway(), gateway.BucketWrite,
		func(ctx context.Context) (string, error) { return "res-1", nil },
		func(string) string { return "Deleting" },
		func(ctx context.Context, token string) (LRO[string], error) { beginCalls++; return &fakeLRO[string]{}, nil },
	)
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if gone {
		t.Error("a resource mid-delete should not be reported gone yet")
	}
	if beginCalls != 0 {
		t.Error("a resource already deleting should not have a redundant delete issued")
	}
}

func TestRemoveWithConfirmedIDIssuesDeleteWithoutGet(t *testing.T) {
	id := "/subscriptions/x/vm-1"
	ref := &store.ResourceRef{Name: "vm-1", ID: &id}
	var getCalls int

	gone, err := Remove(context.Background(), ref, "vm", newTestGateway(), gateway.BucketWrite,
		func(ctx context.Context) (string, error) { getCalls++; return "res-1", nil },
		func(string) string { return "Succeeded" },
		func(ctx context.Context, token string) (LRO[string], error) {
			return &fakeLRO[string]{token: "delete-token-1"}, nil
		},
	)
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if gone {
		t.Error("issuing a delete should never itself prove the resource gone this pass")
	}
	if getCalls != 0 {
		t.Error("a resource with a confirmed id should skip the GET and delete directly")
	}
	if ref.Present() {
		t.Error("ref.ID should be cleared once a delete has been issued")
	}
	if ref.Operation != "delete-token-1" {
		t.Errorf("ref.Operation = %q, want the delete's resume token", ref.Operation)
	}
}

func TestRemoveTerminalDeleteErrorIsRetained(t *testing.T) {
	id := "/subscriptions/x/vm-1"
	ref := &store.ResourceRef{Name: "vm-1", ID: &id}

	_, err := Remove(context.Background(), ref, "vm", newTestGateway(), gateway.BucketWrite,
		func(ctx context.Context) (string, error) { return "res-1", nil },
		func(string) string { return "Succeeded" },
		func(ctx context.Context, token string) (LRO[string], error) {
			return nil, &azcore.ResponseError{StatusCode: http.StatusBadRequest}
		},
	)

	var delErr *DeletionError
	if !errors.As(err, &delErr) {
		t.Fatalf("error = %v, want *DeletionError", err)
	}
	if !ref.Present() {
		t.Error("ref should still be present after a terminal delete failure, for retry")
	}
}
