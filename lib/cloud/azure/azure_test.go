// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package azure

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/services/compute/mgmt/2019-07-01/compute"
	"github.com/Azure/azure-sdk-for-go/services/network/mgmt/2018-06-01/network"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/skyferry/skyferry/lib/cloud"
	"github.com/skyferry/skyferry/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&AzureSuite{})

type AzureSuite struct{}

type virtualMachinesClientStub struct {
	mtx     sync.Mutex
	vms     map[string]compute.VirtualMachine
	started []string
	deleted []string
}

func (stub *virtualMachinesClientStub) createOrUpdate(ctx context.Context, resourceGroupName string, VMName string, parameters compute.VirtualMachine) (compute.VirtualMachine, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	parameters.ID = &VMName
	parameters.Name = &VMName
	if stub.vms == nil {
		stub.vms = map[string]compute.VirtualMachine{}
	}
	stub.vms[VMName] = parameters
	return parameters, nil
}

func (stub *virtualMachinesClientStub) delete(ctx context.Context, resourceGroupName string, VMName string) (*http.Response, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	delete(stub.vms, VMName)
	stub.deleted = append(stub.deleted, VMName)
	return nil, nil
}

func (stub *virtualMachinesClientStub) start(ctx context.Context, resourceGroupName string, VMName string) error {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	stub.started = append(stub.started, VMName)
	return nil
}

func (stub *virtualMachinesClientStub) instanceView(ctx context.Context, resourceGroupName string, VMName string) (compute.VirtualMachineInstanceView, error) {
	return compute.VirtualMachineInstanceView{
		Statuses: &[]compute.InstanceViewStatus{
			{Code: to.StringPtr("ProvisioningState/succeeded")},
			{Code: to.StringPtr("PowerState/running")},
		},
	}, nil
}

func (stub *virtualMachinesClientStub) list(ctx context.Context, resourceGroupName string) ([]compute.VirtualMachine, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	var vms []compute.VirtualMachine
	for _, vm := range stub.vms {
		vms = append(vms, vm)
	}
	return vms, nil
}

type interfacesClientStub struct {
	mtx     sync.Mutex
	nics    map[string]network.Interface
	deleted []string
}

func (stub *interfacesClientStub) createOrUpdate(ctx context.Context, resourceGroupName string, nicName string, parameters network.Interface) (network.Interface, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	parameters.ID = to.StringPtr(nicName)
	(*parameters.IPConfigurations)[0].PrivateIPAddress = to.StringPtr("192.168.5.5")
	if stub.nics == nil {
		stub.nics = map[string]network.Interface{}
	}
	stub.nics[nicName] = parameters
	return parameters, nil
}

func (stub *interfacesClientStub) delete(ctx context.Context, resourceGroupName string, nicName string) (*http.Response, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	delete(stub.nics, nicName)
	stub.deleted = append(stub.deleted, nicName)
	return nil, nil
}

func (stub *interfacesClientStub) get(ctx context.Context, resourceGroupName string, nicName string) (network.Interface, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	nic, ok := stub.nics[nicName]
	if !ok {
		return network.Interface{}, errors.New("no such nic")
	}
	return nic, nil
}

func (s *AzureSuite) testProvisioner(c *check.C) (*azureProvisioner, *virtualMachinesClientStub, *interfacesClientStub) {
	vmStub := &virtualMachinesClientStub{}
	nicStub := &interfacesClientStub{}
	return &azureProvisioner{
		azconfig: azureConfig{
			SubscriptionID: "00000000-0000-0000-0000-000000000000",
			ResourceGroup:  "testrg",
			Network:        "testnet",
			Subnet:         "testsubnet",
			ImageID:        "/subscriptions/00000000/resourceGroups/testrg/providers/Microsoft.Compute/images/testimage",
			AdminUsername:  "skyferry",
			AvailabilityZones: map[string][]string{
				"eastus": {"1", "2", "3"},
			},
		},
		vmClient:  vmStub,
		netClient: nicStub,
		logger:    ctxlog.TestLogger(c),
	}, vmStub, nicStub
}

var testCluster = cloud.ClusterIdentity{DisplayName: "train", NameOnCloud: "train-deadbeef"}

func (s *AzureSuite) TestBulkProvision(c *check.C) {
	az, vmStub, _ := s.testProvisioner(c)
	rec, err := az.BulkProvision(context.Background(), cloud.ProvisionRequest{
		Cluster:  testCluster,
		Region:   "eastus",
		Zones:    []string{"1"},
		NumNodes: 3,
		Spec:     cloud.ResourceSpec{Cloud: cloud.Azure, Region: "eastus", InstanceType: "Standard_NC6"},
	})
	c.Assert(err, check.IsNil)
	c.Check(rec.CreatedInstanceIDs, check.HasLen, 3)
	c.Check(rec.HeadInstanceID, check.Equals, cloud.InstanceID("train-deadbeef-0"))
	c.Check(rec.Zone, check.Equals, "1")
	c.Assert(vmStub.vms, check.HasLen, 3)

	vm := vmStub.vms["train-deadbeef-0"]
	c.Check(*vm.Tags[tagClusterName], check.Equals, "train-deadbeef")
	c.Check(*vm.Tags[tagNodeRole], check.Equals, "head")
	c.Check(*vmStub.vms["train-deadbeef-1"].Tags[tagNodeRole], check.Equals, "worker")
	c.Check(*vm.Zones, check.DeepEquals, []string{"1"})
}

func (s *AzureSuite) TestBulkProvisionResumes(c *check.C) {
	az, vmStub, _ := s.testProvisioner(c)
	req := cloud.ProvisionRequest{
		Cluster:  testCluster,
		Region:   "eastus",
		NumNodes: 2,
		Spec:     cloud.ResourceSpec{Cloud: cloud.Azure, Region: "eastus", InstanceType: "Standard_NC6"},
	}
	_, err := az.BulkProvision(context.Background(), req)
	c.Assert(err, check.IsNil)

	req.PrevClusterEverUp = true
	rec, err := az.BulkProvision(context.Background(), req)
	c.Assert(err, check.IsNil)
	c.Check(rec.ResumedInstanceIDs, check.HasLen, 2)
	c.Check(rec.CreatedInstanceIDs, check.HasLen, 0)
	c.Check(vmStub.started, check.HasLen, 2)
}

func (s *AzureSuite) TestSpotBilling(c *check.C) {
	az, vmStub, _ := s.testProvisioner(c)
	_, err := az.BulkProvision(context.Background(), cloud.ProvisionRequest{
		Cluster:  testCluster,
		Region:   "eastus",
		NumNodes: 1,
		Spec:     cloud.ResourceSpec{Cloud: cloud.Azure, Region: "eastus", InstanceType: "Standard_NC6", UseSpot: true},
	})
	c.Assert(err, check.IsNil)
	vm := vmStub.vms["train-deadbeef-0"]
	c.Check(vm.VirtualMachineProperties.Priority, check.Equals, compute.Spot)
	c.Check(*vm.VirtualMachineProperties.BillingProfile.MaxPrice, check.Equals, float64(-1))
}

func (s *AzureSuite) TestTeardown(c *check.C) {
	az, vmStub, nicStub := s.testProvisioner(c)
	_, err := az.BulkProvision(context.Background(), cloud.ProvisionRequest{
		Cluster:  testCluster,
		Region:   "eastus",
		NumNodes: 2,
		Spec:     cloud.ResourceSpec{Cloud: cloud.Azure, Region: "eastus", InstanceType: "Standard_NC6"},
	})
	c.Assert(err, check.IsNil)

	err = az.TeardownCluster(context.Background(), testCluster, "eastus")
	c.Assert(err, check.IsNil)
	c.Check(vmStub.vms, check.HasLen, 0)
	c.Check(vmStub.deleted, check.HasLen, 2)
	c.Check(nicStub.deleted, check.HasLen, 2)

	// Tearing down a cluster with no remaining resources is not an
	// error.
	c.Check(az.TeardownCluster(context.Background(), testCluster, "eastus"), check.IsNil)
}

func (s *AzureSuite) TestGetClusterInfo(c *check.C) {
	az, _, _ := s.testProvisioner(c)
	_, err := az.BulkProvision(context.Background(), cloud.ProvisionRequest{
		Cluster:  testCluster,
		Region:   "eastus",
		NumNodes: 2,
		Spec:     cloud.ResourceSpec{Cloud: cloud.Azure, Region: "eastus", InstanceType: "Standard_NC6"},
	})
	c.Assert(err, check.IsNil)

	info, err := az.GetClusterInfo(context.Background(), testCluster, "eastus")
	c.Assert(err, check.IsNil)
	c.Check(info.HeadInstanceID, check.Equals, cloud.InstanceID("train-deadbeef-0"))
	c.Check(info.SSHUser, check.Equals, "skyferry")
	c.Assert(info.Instances, check.HasLen, 2)
	c.Check(info.Instances["train-deadbeef-0"].InternalIP, check.Equals, "192.168.5.5")
	c.Check(info.Instances["train-deadbeef-0"].ExternalIP, check.Equals, "192.168.5.5")
}

func (s *AzureSuite) TestQueryInstances(c *check.C) {
	az, _, _ := s.testProvisioner(c)
	_, err := az.BulkProvision(context.Background(), cloud.ProvisionRequest{
		Cluster:  testCluster,
		Region:   "eastus",
		NumNodes: 2,
		Spec:     cloud.ResourceSpec{Cloud: cloud.Azure, Region: "eastus", InstanceType: "Standard_NC6"},
	})
	c.Assert(err, check.IsNil)

	statuses, err := az.QueryInstances(context.Background(), testCluster, "eastus")
	c.Assert(err, check.IsNil)
	c.Check(statuses, check.HasLen, 2)
	c.Check(statuses["train-deadbeef-1"], check.Equals, cloud.StatusRunning)
}

func (s *AzureSuite) TestZoneSets(c *check.C) {
	az, _, _ := s.testProvisioner(c)
	sets, err := az.ZoneSets("eastus", cloud.ResourceSpec{})
	c.Assert(err, check.IsNil)
	c.Check(sets, check.DeepEquals, [][]string{{"1"}, {"2"}, {"3"}})

	sets, err = az.ZoneSets("westus", cloud.ResourceSpec{})
	c.Assert(err, check.IsNil)
	c.Check(sets, check.DeepEquals, [][]string{nil})
}

func requestError(statusCode int, header http.Header, code, message string) error {
	rq := &azure.RequestError{}
	rq.Response = &http.Response{StatusCode: statusCode, Header: header}
	if code != "" || message != "" {
		rq.ServiceError = &azure.ServiceError{Code: code, Message: message}
	}
	return autorest.DetailedError{Original: rq, Response: rq.Response}
}

func (s *AzureSuite) TestWrapAzureErrorRateLimit(c *check.C) {
	header := http.Header{}
	header.Set("Retry-After", "30")
	wrapped := wrapAzureError(requestError(http.StatusTooManyRequests, header, "", ""), "eastus", nil)

	var rle cloud.RateLimitError
	c.Assert(errors.As(wrapped, &rle), check.Equals, true)
	c.Check(rle.EarliestRetry().After(time.Now().Add(10*time.Second)), check.Equals, true)
}

func (s *AzureSuite) TestWrapAzureErrorServiceCode(c *check.C) {
	wrapped := wrapAzureError(requestError(409, http.Header{}, "ZonalAllocationFailed", "allocation failed in zone 1"), "eastus", []string{"1"})

	var perr *cloud.ProvisionerError
	c.Assert(errors.As(wrapped, &perr), check.Equals, true)
	c.Check(perr.Provider, check.Equals, cloud.Azure)
	c.Check(perr.Errors[0].Code, check.Equals, "ZonalAllocationFailed")
	c.Check(perr.Zones, check.DeepEquals, []string{"1"})
}

func (s *AzureSuite) TestWrapAzureErrorQuotaMessage(c *check.C) {
	wrapped := wrapAzureError(requestError(409, http.Header{}, "", "operation would exceed approved quota"), "eastus", nil)

	var qe cloud.QuotaError
	c.Assert(errors.As(wrapped, &qe), check.Equals, true)
	c.Check(qe.IsQuotaError(), check.Equals, true)
}

func (s *AzureSuite) TestWrapAzureErrorPassthrough(c *check.C) {
	plain := errors.New("dial tcp: connection refused")
	c.Check(wrapAzureError(plain, "eastus", nil), check.Equals, plain)
}
