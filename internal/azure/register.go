package azure

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mozilla.org/pkcs7"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"

	"github.com/wisbric/vmfleet/internal/azure/gateway"
	"github.com/wisbric/vmfleet/internal/store"
)

// defaultReregistrationWindow is how long a freshly registered worker is
// trusted to keep reregistering before it is considered lost, absent a
// pool-level override.
const defaultReregistrationWindow = 96 * time.Hour

// RegisterRequest is the registerWorker RPC payload: a worker announcing
// itself, backed by a PKCS#7-signed copy of its Azure Instance Metadata
// Service attested-data document as proof of identity.
type RegisterRequest struct {
	WorkerPoolID string `json:"workerPoolId" validate:"required"`
	// WorkerGroup is the Azure location the worker was provisioned in.
	WorkerGroup         string              `json:"workerGroup"`
	WorkerID            string              `json:"workerId" validate:"required"`
	WorkerIdentityProof WorkerIdentityProof `json:"workerIdentityProof"`
}

// WorkerIdentityProof wraps the instance's signed identity document.
type WorkerIdentityProof struct {
	// Document is the raw PKCS#7 SignedData bytes (DER, base64 in JSON),
	// obtained by the instance from IMDS's attested-data endpoint.
	Document []byte `json:"document" validate:"required"`
}

// attestedData is the JSON payload signed inside the PKCS#7 envelope.
type attestedData struct {
	VMID      string `json:"vmId"`
	Timestamp struct {
		CreatedOn string `json:"createdOn"`
		ExpiresOn string `json:"expiresOn"`
	} `json:"timestamp"`
}

const imdsTimestampLayout = "01/02/06 15:04:05 -0700"

// RegisterWorker verifies req's identity proof and, if it checks out,
// transitions the named worker to running. Verification order: parse the
// envelope, verify the embedded signature and certificate chain against
// the pinned CA store, assert the worker is awaiting its first
// registration, bind the worker record to the VM Azure actually created
// by GETting it rather than trusting the signed document's claimed
// vmId, and set the worker's expiry to the start of a fresh
// reregistration window.
func (p *AzureProvider) RegisterWorker(ctx context.Context, req RegisterRequest) (*store.Worker, error) {
	data, err := p.verifyIdentityProof(req.WorkerIdentityProof.Document)
	if err != nil {
		return nil, err
	}

	var result *store.Worker
	err = p.store.UpdateWorker(ctx, req.WorkerPoolID, req.WorkerID, func(w *store.Worker) error {
		// A worker may only register once: a row already running has
		// already bound to a VM, and re-registering it would let a second,
		// differently-attested instance hijack the row.
		if w.State != store.WorkerRequested {
			return &RegistrationError{Cause: "worker_not_registerable"}
		}

		if w.ProviderData.VM.VMID == nil {
			vm, err := gateway.Do(ctx, p.gateway, gateway.BucketGet, func(ctx context.Context) (*armcompute.VirtualMachine, error) {
				resp, err := p.client.VMs.Get(ctx, w.ProviderData.ResourceGroupName, w.ProviderData.VM.Name, nil)
				if err != nil {
					return nil, err
				}
				return &resp.VirtualMachine, nil
			})
			if err != nil {
				return &RegistrationError{Cause: "vm_lookup_failed", Err: err}
			}
			if vm.Properties == nil || vm.Properties.VMID == nil {
				return &RegistrationError{Cause: "vm_id_unavailable"}
			}
			w.ProviderData.VM.VMID = vm.Properties.VMID
		}

		if *w.ProviderData.VM.VMID != data.VMID {
			return &RegistrationError{Cause: "vm_id_mismatch"}
		}

		reregWindow := defaultReregistrationWindow
		if w.ProviderData.ReregistrationTimeout != nil {
			reregWindow = time.Duration(*w.ProviderData.ReregistrationTimeout) * time.Millisecond
		}

		now := time.Now().UTC()
		w.State = store.WorkerRunning
		w.LastChecked = now
		w.Expires = now.Add(reregWindow)
		result = w
		return nil
	})
	if err != nil {
		var regErr *RegistrationError
		if errors.As(err, &regErr) {
			return nil, regErr
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, &RegistrationError{Cause: "unknown_worker", Err: err}
		}
		return nil, fmt.Errorf("registering worker: %w", err)
	}

	return result, nil
}

func (p *AzureProvider) verifyIdentityProof(signed []byte) (*attestedData, error) {
	if len(signed) == 0 {
		return nil, &RegistrationError{Cause: "empty_document"}
	}

	p7, err := pkcs7.Parse(signed)
	if err != nil {
		return nil, &RegistrationError{Cause: "malformed_document", Err: err}
	}

	roots, err := p.loadCARoots()
	if err != nil {
		return nil, fmt.Errorf("loading CA roots: %w", err)
	}

	if len(p7.Certificates) == 0 {
		return nil, &RegistrationError{Cause: "no_signer_certificate"}
	}
	signer := p7.Certificates[0]
	opts := x509.VerifyOptions{
		Roots: roots,
		// The signer certifies a JSON document, not a TLS endpoint; accept
		// any extended key usage rather than defaulting to server auth.
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := signer.Verify(opts); err != nil {
		return nil, &RegistrationError{Cause: "untrusted_signer", Err: err}
	}

	if err := p7.Verify(); err != nil {
		return nil, &RegistrationError{Cause: "signature_invalid", Err: err}
	}

	var data attestedData
	if err := json.Unmarshal(p7.Content, &data); err != nil {
		return nil, &RegistrationError{Cause: "malformed_payload", Err: err}
	}
	if data.VMID == "" {
		return nil, &RegistrationError{Cause: "missing_vm_id"}
	}

	if expires, err := time.Parse(imdsTimestampLayout, data.Timestamp.ExpiresOn); err == nil {
		if time.Now().After(expires) {
			return nil, &RegistrationError{Cause: "document_expired"}
		}
	}

	return &data, nil
}

// loadCARoots builds a certificate pool from every PEM file in the
// configured CA directory, used to pin the identity proof's signer
// instead of trusting the system root store (IMDS attestation certs
// chain to a Microsoft-operated CA, not a public one).
func (p *AzureProvider) loadCARoots() (*x509.CertPool, error) {
	pool := x509.NewCertPool()

	entries, err := os.ReadDir(p.caDir)
	if err != nil {
		return nil, fmt.Errorf("reading CA directory %s: %w", p.caDir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(p.caDir, entry.Name())
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading CA cert %s: %w", path, err)
		}
		if pool.AppendCertsFromPEM(pem) {
			loaded++
		}
	}

	if loaded == 0 {
		return nil, fmt.Errorf("no CA certificates loaded from %s", p.caDir)
	}

	return pool, nil
}
