// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/services/compute/mgmt/2019-07-01/compute"
	"github.com/Azure/azure-sdk-for-go/services/network/mgmt/2018-06-01/network"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/sirupsen/logrus"
	"github.com/skyferry/skyferry/lib/cloud"
)

const tagClusterName = "skyferry-cluster-name"
const tagNodeRole = "skyferry-node-role"

// Driver is the azure implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newAzureProvisioner)

type azureConfig struct {
	SubscriptionID       string
	ClientID             string
	ClientSecret         string
	TenantID             string
	CloudEnvironment     string
	ResourceGroup        string
	Network              string
	NetworkResourceGroup string
	Subnet               string
	// Managed image resource ID used for every node.
	ImageID       string
	AdminUsername string
	// authorized_keys line installed for AdminUsername.
	SSHPublicKey string
	// Availability zones to offer per region ("location" in Azure
	// terms). Regions absent from the map are treated as having no
	// zone concept.
	AvailabilityZones map[string][]string
}

type virtualMachinesClientWrapper interface {
	createOrUpdate(ctx context.Context, resourceGroupName string, VMName string, parameters compute.VirtualMachine) (compute.VirtualMachine, error)
	delete(ctx context.Context, resourceGroupName string, VMName string) (*http.Response, error)
	start(ctx context.Context, resourceGroupName string, VMName string) error
	instanceView(ctx context.Context, resourceGroupName string, VMName string) (compute.VirtualMachineInstanceView, error)
	list(ctx context.Context, resourceGroupName string) ([]compute.VirtualMachine, error)
}

type virtualMachinesClientImpl struct {
	inner compute.VirtualMachinesClient
}

func (cl *virtualMachinesClientImpl) createOrUpdate(ctx context.Context, resourceGroupName string, VMName string, parameters compute.VirtualMachine) (compute.VirtualMachine, error) {
	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, VMName, parameters)
	if err != nil {
		return compute.VirtualMachine{}, err
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	if err != nil {
		return compute.VirtualMachine{}, err
	}
	return future.Result(cl.inner)
}

func (cl *virtualMachinesClientImpl) delete(ctx context.Context, resourceGroupName string, VMName string) (*http.Response, error) {
	future, err := cl.inner.Delete(ctx, resourceGroupName, VMName)
	if err != nil {
		return nil, err
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	return future.Response(), err
}

func (cl *virtualMachinesClientImpl) start(ctx context.Context, resourceGroupName string, VMName string) error {
	future, err := cl.inner.Start(ctx, resourceGroupName, VMName)
	if err != nil {
		return err
	}
	return future.WaitForCompletionRef(ctx, cl.inner.Client)
}

func (cl *virtualMachinesClientImpl) instanceView(ctx context.Context, resourceGroupName string, VMName string) (compute.VirtualMachineInstanceView, error) {
	return cl.inner.InstanceView(ctx, resourceGroupName, VMName)
}

func (cl *virtualMachinesClientImpl) list(ctx context.Context, resourceGroupName string) ([]compute.VirtualMachine, error) {
	result, err := cl.inner.ListComplete(ctx, resourceGroupName)
	if err != nil {
		return nil, err
	}
	var vms []compute.VirtualMachine
	for ; result.NotDone(); err = result.Next() {
		if err != nil {
			return nil, err
		}
		vms = append(vms, result.Value())
	}
	return vms, nil
}

type interfacesClientWrapper interface {
	createOrUpdate(ctx context.Context, resourceGroupName string, networkInterfaceName string, parameters network.Interface) (network.Interface, error)
	delete(ctx context.Context, resourceGroupName string, networkInterfaceName string) (*http.Response, error)
	get(ctx context.Context, resourceGroupName string, networkInterfaceName string) (network.Interface, error)
}

type interfacesClientImpl struct {
	inner network.InterfacesClient
}

func (cl *interfacesClientImpl) createOrUpdate(ctx context.Context, resourceGroupName string, networkInterfaceName string, parameters network.Interface) (network.Interface, error) {
	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, networkInterfaceName, parameters)
	if err != nil {
		return network.Interface{}, err
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	if err != nil {
		return network.Interface{}, err
	}
	return future.Result(cl.inner)
}

func (cl *interfacesClientImpl) delete(ctx context.Context, resourceGroupName string, networkInterfaceName string) (*http.Response, error) {
	future, err := cl.inner.Delete(ctx, resourceGroupName, networkInterfaceName)
	if err != nil {
		return nil, err
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	return future.Response(), err
}

func (cl *interfacesClientImpl) get(ctx context.Context, resourceGroupName string, networkInterfaceName string) (network.Interface, error) {
	return cl.inner.Get(ctx, resourceGroupName, networkInterfaceName, "")
}

var quotaRe = regexp.MustCompile(`(?i:exceed|quota|limit)`)

type azureRateLimitError struct {
	azure.RequestError
	firstRetry time.Time
}

func (ar *azureRateLimitError) EarliestRetry() time.Time {
	return ar.firstRetry
}

type azureQuotaError struct {
	azure.RequestError
}

func (ar *azureQuotaError) IsQuotaError() bool {
	return true
}

// wrapAzureError converts an SDK error into a RateLimitError, a
// ProvisionerError carrying the service's error code, or a QuotaError
// when only the message text gives the failure away. Anything else
// passes through unchanged.
func wrapAzureError(err error, region string, zones []string) error {
	de, ok := err.(autorest.DetailedError)
	if !ok {
		return err
	}
	rq, ok := de.Original.(*azure.RequestError)
	if !ok {
		return err
	}
	if rq.Response == nil {
		return err
	}
	if rq.Response.StatusCode == http.StatusTooManyRequests || len(rq.Response.Header["Retry-After"]) >= 1 {
		// API throttling
		earliestRetry := time.Now().Add(20 * time.Second)
		if ra := rq.Response.Header["Retry-After"]; len(ra) >= 1 {
			if t, parseErr := http.ParseTime(ra[0]); parseErr == nil {
				earliestRetry = t
			} else if dur, parseErr := strconv.ParseInt(ra[0], 10, 64); parseErr == nil {
				earliestRetry = time.Now().Add(time.Duration(dur) * time.Second)
			}
		}
		return &azureRateLimitError{*rq, earliestRetry}
	}
	if rq.ServiceError == nil {
		return err
	}
	if rq.ServiceError.Code != "" {
		return cloud.NewProvisionerError(cloud.Azure, region, zones, []cloud.APIError{{
			Code:    rq.ServiceError.Code,
			Message: rq.ServiceError.Message,
		}}, err)
	}
	if quotaRe.FindString(rq.ServiceError.Message) != "" {
		return &azureQuotaError{*rq}
	}
	return err
}

type azureProvisioner struct {
	azconfig  azureConfig
	vmClient  virtualMachinesClientWrapper
	netClient interfacesClientWrapper
	azureEnv  azure.Environment
	logger    logrus.FieldLogger
	stopWg    sync.WaitGroup
}

func newAzureProvisioner(config json.RawMessage, logger logrus.FieldLogger) (cloud.Provisioner, error) {
	azcfg := azureConfig{}
	err := json.Unmarshal(config, &azcfg)
	if err != nil {
		return nil, err
	}
	az := azureProvisioner{logger: logger}
	err = az.setup(azcfg)
	if err != nil {
		return nil, err
	}
	return &az, nil
}

func (az *azureProvisioner) setup(azcfg azureConfig) (err error) {
	az.azconfig = azcfg
	vmClient := compute.NewVirtualMachinesClient(az.azconfig.SubscriptionID)
	netClient := network.NewInterfacesClient(az.azconfig.SubscriptionID)

	env := az.azconfig.CloudEnvironment
	if env == "" {
		env = "AzurePublicCloud"
	}
	az.azureEnv, err = azure.EnvironmentFromName(env)
	if err != nil {
		return err
	}

	authorizer, err := auth.ClientCredentialsConfig{
		ClientID:     az.azconfig.ClientID,
		ClientSecret: az.azconfig.ClientSecret,
		TenantID:     az.azconfig.TenantID,
		Resource:     az.azureEnv.ResourceManagerEndpoint,
		AADEndpoint:  az.azureEnv.ActiveDirectoryEndpoint,
	}.Authorizer()
	if err != nil {
		return err
	}

	vmClient.Authorizer = authorizer
	netClient.Authorizer = authorizer
	az.vmClient = &virtualMachinesClientImpl{vmClient}
	az.netClient = &interfacesClientImpl{netClient}
	return nil
}

func nodeName(cluster cloud.ClusterIdentity, idx int) string {
	return fmt.Sprintf("%s-%d", cluster.NameOnCloud, idx)
}

func (az *azureProvisioner) subnetID() string {
	networkResourceGroup := az.azconfig.NetworkResourceGroup
	if networkResourceGroup == "" {
		networkResourceGroup = az.azconfig.ResourceGroup
	}
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers"+
		"/Microsoft.Network/virtualnetworks/%s/subnets/%s",
		az.azconfig.SubscriptionID,
		networkResourceGroup,
		az.azconfig.Network,
		az.azconfig.Subnet)
}

// listCluster returns the cluster's VMs, sorted by name so node 0 comes
// first.
func (az *azureProvisioner) listCluster(ctx context.Context, cluster cloud.ClusterIdentity) ([]compute.VirtualMachine, error) {
	all, err := az.vmClient.list(ctx, az.azconfig.ResourceGroup)
	if err != nil {
		return nil, wrapAzureError(err, "", nil)
	}
	var vms []compute.VirtualMachine
	for _, vm := range all {
		if tag := vm.Tags[tagClusterName]; tag != nil && *tag == cluster.NameOnCloud {
			vms = append(vms, vm)
		}
	}
	sort.Slice(vms, func(i, j int) bool { return *vms[i].Name < *vms[j].Name })
	return vms, nil
}

func (az *azureProvisioner) BulkProvision(ctx context.Context, req cloud.ProvisionRequest) (*cloud.ProvisionRecord, error) {
	az.stopWg.Add(1)
	defer az.stopWg.Done()

	rec := &cloud.ProvisionRecord{
		Provider: cloud.Azure,
		Region:   req.Region,
		Spec:     req.Spec,
	}
	if len(req.Zones) > 0 {
		rec.Zone = req.Zones[0]
	}

	existing, err := az.listCluster(ctx, req.Cluster)
	if err != nil {
		return nil, err
	}
	if req.PrevClusterEverUp {
		// Start is a no-op on VMs that are already running.
		for _, vm := range existing {
			if err := az.vmClient.start(ctx, az.azconfig.ResourceGroup, *vm.Name); err != nil {
				return nil, wrapAzureError(err, req.Region, req.Zones)
			}
			rec.ResumedInstanceIDs = append(rec.ResumedInstanceIDs, cloud.InstanceID(*vm.Name))
		}
	}

	for idx := len(existing); idx < req.NumNodes; idx++ {
		name := nodeName(req.Cluster, idx)
		role := "worker"
		if idx == 0 {
			role = "head"
		}
		tags := map[string]*string{
			tagClusterName: to.StringPtr(req.Cluster.NameOnCloud),
			tagNodeRole:    to.StringPtr(role),
			"created-at":   to.StringPtr(time.Now().Format(time.RFC3339Nano)),
		}

		nicParameters := network.Interface{
			Location: &req.Region,
			Tags:     tags,
			InterfacePropertiesFormat: &network.InterfacePropertiesFormat{
				IPConfigurations: &[]network.InterfaceIPConfiguration{
					{
						Name: to.StringPtr("ip1"),
						InterfaceIPConfigurationPropertiesFormat: &network.InterfaceIPConfigurationPropertiesFormat{
							Subnet: &network.Subnet{
								ID: to.StringPtr(az.subnetID()),
							},
							PrivateIPAllocationMethod: network.Dynamic,
						},
					},
				},
			},
		}
		nic, err := az.netClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, name+"-nic", nicParameters)
		if err != nil {
			return nil, wrapAzureError(err, req.Region, req.Zones)
		}

		vmParameters := compute.VirtualMachine{
			Location: &req.Region,
			Tags:     tags,
			VirtualMachineProperties: &compute.VirtualMachineProperties{
				HardwareProfile: &compute.HardwareProfile{
					VMSize: compute.VirtualMachineSizeTypes(req.Spec.InstanceType),
				},
				StorageProfile: &compute.StorageProfile{
					ImageReference: &compute.ImageReference{
						ID: to.StringPtr(az.azconfig.ImageID),
					},
					OsDisk: &compute.OSDisk{
						OsType:       compute.Linux,
						Name:         to.StringPtr(name + "-os"),
						CreateOption: compute.DiskCreateOptionTypesFromImage,
					},
				},
				NetworkProfile: &compute.NetworkProfile{
					NetworkInterfaces: &[]compute.NetworkInterfaceReference{
						{
							ID: nic.ID,
							NetworkInterfaceReferenceProperties: &compute.NetworkInterfaceReferenceProperties{
								Primary: to.BoolPtr(true),
							},
						},
					},
				},
				OsProfile: &compute.OSProfile{
					ComputerName:  &name,
					AdminUsername: to.StringPtr(az.azconfig.AdminUsername),
					LinuxConfiguration: &compute.LinuxConfiguration{
						DisablePasswordAuthentication: to.BoolPtr(true),
						SSH: &compute.SSHConfiguration{
							PublicKeys: &[]compute.SSHPublicKey{
								{
									Path:    to.StringPtr("/home/" + az.azconfig.AdminUsername + "/.ssh/authorized_keys"),
									KeyData: to.StringPtr(az.azconfig.SSHPublicKey),
								},
							},
						},
					},
				},
			},
		}
		if len(req.Zones) > 0 {
			vmParameters.Zones = to.StringSlicePtr(req.Zones[:1])
		}
		if req.Spec.UseSpot {
			// Paying up to the on-demand price means the node is
			// only evicted for capacity reasons, never for price.
			maxPrice := float64(-1)
			vmParameters.VirtualMachineProperties.Priority = compute.Spot
			vmParameters.VirtualMachineProperties.EvictionPolicy = compute.Deallocate
			vmParameters.VirtualMachineProperties.BillingProfile = &compute.BillingProfile{MaxPrice: &maxPrice}
		}

		vm, err := az.vmClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, name, vmParameters)
		if err != nil {
			// Clean up the NIC so failed retries don't exhaust the
			// NIC quota.
			if _, delerr := az.netClient.delete(context.Background(), az.azconfig.ResourceGroup, name+"-nic"); delerr != nil {
				az.logger.WithError(delerr).Warnf("error cleaning up NIC after failed create")
			}
			return nil, wrapAzureError(err, req.Region, req.Zones)
		}
		rec.CreatedInstanceIDs = append(rec.CreatedInstanceIDs, cloud.InstanceID(*vm.Name))
	}

	rec.HeadInstanceID = cloud.InstanceID(nodeName(req.Cluster, 0))
	return rec, nil
}

func (az *azureProvisioner) TeardownCluster(ctx context.Context, cluster cloud.ClusterIdentity, region string) error {
	az.stopWg.Add(1)
	defer az.stopWg.Done()

	vms, err := az.listCluster(ctx, cluster)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		az.logger.WithField("VM", *vm.Name).Info("deleting virtual machine")
		if _, err := az.vmClient.delete(ctx, az.azconfig.ResourceGroup, *vm.Name); err != nil {
			return wrapAzureError(err, region, nil)
		}
		if _, err := az.netClient.delete(ctx, az.azconfig.ResourceGroup, *vm.Name+"-nic"); err != nil {
			az.logger.WithError(err).Warnf("error deleting NIC %s-nic", *vm.Name)
		}
	}
	return nil
}

func powerStatus(view compute.VirtualMachineInstanceView) cloud.InstanceStatus {
	if view.Statuses == nil {
		return cloud.StatusPending
	}
	for _, st := range *view.Statuses {
		if st.Code == nil {
			continue
		}
		switch strings.TrimPrefix(*st.Code, "PowerState/") {
		case "running":
			return cloud.StatusRunning
		case "stopped", "deallocated":
			return cloud.StatusStopped
		case "starting":
			return cloud.StatusPending
		}
	}
	return cloud.StatusPending
}

func (az *azureProvisioner) QueryInstances(ctx context.Context, cluster cloud.ClusterIdentity, region string) (map[cloud.InstanceID]cloud.InstanceStatus, error) {
	vms, err := az.listCluster(ctx, cluster)
	if err != nil {
		return nil, err
	}
	statuses := map[cloud.InstanceID]cloud.InstanceStatus{}
	for _, vm := range vms {
		view, err := az.vmClient.instanceView(ctx, az.azconfig.ResourceGroup, *vm.Name)
		if err != nil {
			return nil, wrapAzureError(err, region, nil)
		}
		statuses[cloud.InstanceID(*vm.Name)] = powerStatus(view)
	}
	return statuses, nil
}

func (az *azureProvisioner) GetClusterInfo(ctx context.Context, cluster cloud.ClusterIdentity, region string) (*cloud.ClusterInfo, error) {
	vms, err := az.listCluster(ctx, cluster)
	if err != nil {
		return nil, err
	}
	if len(vms) == 0 {
		return nil, fmt.Errorf("cluster %s has no virtual machines", cluster.NameOnCloud)
	}
	info := &cloud.ClusterInfo{
		Provider:  cloud.Azure,
		Region:    region,
		Instances: map[cloud.InstanceID]cloud.InstanceMetadata{},
		SSHUser:   az.azconfig.AdminUsername,
	}
	for _, vm := range vms {
		id := cloud.InstanceID(*vm.Name)
		nic, err := az.netClient.get(ctx, az.azconfig.ResourceGroup, *vm.Name+"-nic")
		if err != nil {
			return nil, wrapAzureError(err, region, nil)
		}
		meta := cloud.InstanceMetadata{
			InstanceID: id,
			SSHPort:    22,
			Tags:       map[string]string{},
		}
		if nic.IPConfigurations != nil {
			for _, ipc := range *nic.IPConfigurations {
				if ipc.PrivateIPAddress != nil {
					meta.InternalIP = *ipc.PrivateIPAddress
					// Nodes are reachable on the virtual network
					// only, so the internal address doubles as the
					// external one.
					meta.ExternalIP = *ipc.PrivateIPAddress
					break
				}
			}
		}
		for k, v := range vm.Tags {
			if v != nil {
				meta.Tags[k] = *v
			}
		}
		if meta.Tags[tagNodeRole] == "head" {
			info.HeadInstanceID = id
		}
		info.Instances[id] = meta
	}
	return info, nil
}

// ZoneSets offers each configured availability zone of the region as
// its own candidate set. Regions with no configured zones are treated
// as having no zone concept.
func (az *azureProvisioner) ZoneSets(region string, spec cloud.ResourceSpec) ([][]string, error) {
	zones := az.azconfig.AvailabilityZones[region]
	if len(zones) == 0 {
		return [][]string{nil}, nil
	}
	sets := make([][]string, 0, len(zones))
	for _, zone := range zones {
		sets = append(sets, []string{zone})
	}
	return sets, nil
}

func (az *azureProvisioner) APIVersion() cloud.APIVersion {
	return cloud.APIVersionStructured
}

func (az *azureProvisioner) Stop() {
	az.stopWg.Wait()
}
