package azure

import "github.com/wisbric/vmfleet/internal/store"

// ApplyReservedTags merges user tags with the control plane's own,
// always letting the reserved keys win: a worker pool's tag config can
// set anything it likes except the identity the control plane uses to
// recognize its own resources later.
func ApplyReservedTags(userTags map[string]string, rootURL, workerGroup, workerPoolID, providerID, owner string) map[string]string {
	merged := make(map[string]string, len(userTags)+len(store.ReservedTagKeys))
	for k, v := range userTags {
		merged[k] = v
	}

	merged["created-by"] = "vmfleet"
	merged["managed-by"] = "vmfleet"
	merged["provider-id"] = providerID
	merged["worker-group"] = workerGroup
	merged["worker-pool-id"] = workerPoolID
	merged["root-url"] = rootURL
	merged["owner"] = owner

	return merged
}

// tagPtrMap converts a tag map to the *string value map ARM resource
// structs expect.
func tagPtrMap(tags map[string]string) map[string]*string {
	out := make(map[string]*string, len(tags))
	for k, v := range tags {
		v := v
		out[k] = &v
	}
	return out
}
