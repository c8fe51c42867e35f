package azure

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v5"

	"github.com/wisbric/vmfleet/internal/config"
)

// Client bundles the ARM clients the provision, removal, and scanner
// pipelines call. It is built once at startup from service-principal
// credentials and shared across every pool the control plane manages.
type Client struct {
	SubscriptionID    string
	ResourceGroupName string

	VMs    *armcompute.VirtualMachinesClient
	Disks  *armcompute.DisksClient
	IPs    *armnetwork.PublicIPAddressesClient
	NICs   *armnetwork.InterfacesClient

	cred azcore.TokenCredential
}

// NewClient authenticates with an Azure service principal and constructs
// the ARM clients used by the rest of this package.
func NewClient(cfg config.AzureConfig) (*Client, error) {
	cred, err := azidentity.NewClientSecretCredential(cfg.Domain, cfg.ClientID, cfg.Secret, nil)
	if err != nil {
		return nil, fmt.Errorf("creating azure credential: %w", err)
	}

	vmClient, err := armcompute.NewVirtualMachinesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating virtual machines client: %w", err)
	}
	disksClient, err := armcompute.NewDisksClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating disks client: %w", err)
	}
	ipsClient, err := armnetwork.NewPublicIPAddressesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating public IP addresses client: %w", err)
	}
	nicsClient, err := armnetwork.NewInterfacesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating network interfaces client: %w", err)
	}

	return &Client{
		SubscriptionID:    cfg.SubscriptionID,
		ResourceGroupName: cfg.ResourceGroupName,
		VMs:               vmClient,
		Disks:             disksClient,
		IPs:               ipsClient,
		NICs:              nicsClient,
		cred:              cred,
	}, nil
}

// Credential exposes the underlying token credential, e.g. for acquiring
// a management-token scoped bearer for diagnostics.
func (c *Client) Credential() azcore.TokenCredential { return c.cred }
