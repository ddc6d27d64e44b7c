// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package lambdacloud provisions instances through the Lambda Cloud
// HTTP API. The API has no zone concept and no stop/resume, so every
// cluster is a set of freshly launched instances in one region.
package lambdacloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/skyferry/skyferry/lib/cloud"
)

const defaultAPIEndpoint = "https://cloud.lambdalabs.com/api/v1"

// Driver is the lambda cloud implementation of the cloud.Driver
// interface.
var Driver = cloud.DriverFunc(newLambdaProvisioner)

type lambdaConfig struct {
	APIKey     string
	SSHKeyName string
	SSHUser    string
	// Overrides the API endpoint, for tests.
	Endpoint string
}

type lambdaError struct {
	Code    string
	Message string
}

func (e lambdaError) Error() string {
	return e.Code + ": " + e.Message
}

type capacityError struct{ lambdaError }

func (capacityError) IsCapacityError() bool { return true }

type quotaError struct{ lambdaError }

func (quotaError) IsQuotaError() bool { return true }

type credentialError struct{ lambdaError }

func (credentialError) IsCredentialError() bool { return true }

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

// classifyError maps a Lambda API error code onto the capability
// interfaces the generic classifier understands.
func classifyError(code, message string) error {
	le := lambdaError{Code: code, Message: message}
	switch {
	case strings.Contains(code, "insufficient-capacity"):
		return capacityError{le}
	case strings.Contains(code, "quota"):
		return quotaError{le}
	case strings.Contains(code, "invalid-api-key") || strings.Contains(code, "unauthorized"):
		return credentialError{le}
	default:
		return le
	}
}

type lambdaProvisioner struct {
	lambdaconfig lambdaConfig
	client       *retryablehttp.Client
	endpoint     string
	logger       logrus.FieldLogger
}

func newLambdaProvisioner(config json.RawMessage, logger logrus.FieldLogger) (cloud.Provisioner, error) {
	prov := &lambdaProvisioner{logger: logger}
	if err := json.Unmarshal(config, &prov.lambdaconfig); err != nil {
		return nil, err
	}
	if prov.lambdaconfig.APIKey == "" {
		return nil, fmt.Errorf("lambda driver: APIKey not configured")
	}
	prov.endpoint = prov.lambdaconfig.Endpoint
	if prov.endpoint == "" {
		prov.endpoint = defaultAPIEndpoint
	}
	// Launch requests are rate limited at roughly one every ten
	// seconds, so back off at least that long on 429.
	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.RetryWaitMin = 10 * time.Second
	client.RetryWaitMax = 100 * time.Second
	client.Logger = nil
	// Hand back the last 429 response instead of a generic "giving
	// up" error, so do() can turn it into a RateLimitError.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	prov.client = client
	return prov, nil
}

func (prov *lambdaProvisioner) do(ctx context.Context, method, path string, reqBody, respData interface{}) error {
	var body io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, prov.endpoint+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+prov.lambdaconfig.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := prov.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		// The retry budget inside the client is already spent.
		return rateLimitError{
			error:         fmt.Errorf("lambda API requests are being rate limited"),
			earliestRetry: time.Now().Add(10 * time.Second),
		}
	}
	if resp.StatusCode != http.StatusOK {
		var apiResp struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(buf, &apiResp); err != nil || apiResp.Error.Code == "" {
			return fmt.Errorf("lambda API status %d: %s", resp.StatusCode, strings.TrimSpace(string(buf)))
		}
		return classifyError(apiResp.Error.Code, apiResp.Error.Message)
	}
	if respData != nil {
		return json.Unmarshal(buf, respData)
	}
	return nil
}

type lambdaInstance struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	IP        string `json:"ip"`
	PrivateIP string `json:"private_ip"`
	Region    struct {
		Name string `json:"name"`
	} `json:"region"`
}

func (prov *lambdaProvisioner) listCluster(ctx context.Context, cluster cloud.ClusterIdentity) ([]lambdaInstance, error) {
	var resp struct {
		Data []lambdaInstance `json:"data"`
	}
	if err := prov.do(ctx, "GET", "/instances", nil, &resp); err != nil {
		return nil, err
	}
	var instances []lambdaInstance
	for _, inst := range resp.Data {
		if inst.Name == cluster.NameOnCloud && inst.Status != "terminated" {
			instances = append(instances, inst)
		}
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

// checkCapacity consults the instance-types catalog before launching.
// Most API requests are rate limited at about one per second but launch
// requests at about one per ten seconds, so launch requests must not be
// spent on availability checks.
func (prov *lambdaProvisioner) checkCapacity(ctx context.Context, instanceType, region string) error {
	var resp struct {
		Data map[string]struct {
			RegionsWithCapacityAvailable []struct {
				Name string `json:"name"`
			} `json:"regions_with_capacity_available"`
		} `json:"data"`
	}
	if err := prov.do(ctx, "GET", "/instance-types", nil, &resp); err != nil {
		return err
	}
	entry, ok := resp.Data[instanceType]
	if !ok {
		return lambdaError{
			Code:    "instance-operations/launch/instance-type-unavailable",
			Message: fmt.Sprintf("instance type %s is not offered", instanceType),
		}
	}
	var available []string
	for _, reg := range entry.RegionsWithCapacityAvailable {
		if reg.Name == region {
			return nil
		}
		available = append(available, reg.Name)
	}
	avalReg := "None"
	if len(available) > 0 {
		avalReg = strings.Join(available, " ")
	}
	return capacityError{lambdaError{
		Code: "instance-operations/launch/insufficient-capacity",
		Message: "Not enough capacity to fulfill launch request. " +
			"Regions with capacity available: " + avalReg,
	}}
}

func (prov *lambdaProvisioner) BulkProvision(ctx context.Context, req cloud.ProvisionRequest) (*cloud.ProvisionRecord, error) {
	rec := &cloud.ProvisionRecord{
		Provider: cloud.LambdaCloud,
		Region:   req.Region,
		Spec:     req.Spec,
	}
	existing, err := prov.listCluster(ctx, req.Cluster)
	if err != nil {
		return nil, err
	}
	needed := req.NumNodes - len(existing)
	if needed > 0 {
		if err := prov.checkCapacity(ctx, req.Spec.InstanceType, req.Region); err != nil {
			return nil, err
		}
		var resp struct {
			Data struct {
				InstanceIDs []string `json:"instance_ids"`
			} `json:"data"`
		}
		err := prov.do(ctx, "POST", "/instance-operations/launch", map[string]interface{}{
			"region_name":        req.Region,
			"instance_type_name": req.Spec.InstanceType,
			"ssh_key_names":      []string{prov.lambdaconfig.SSHKeyName},
			"quantity":           needed,
			"name":               req.Cluster.NameOnCloud,
		}, &resp)
		if err != nil {
			return nil, err
		}
		for _, id := range resp.Data.InstanceIDs {
			rec.CreatedInstanceIDs = append(rec.CreatedInstanceIDs, cloud.InstanceID(id))
		}
		prov.logger.WithFields(logrus.Fields{
			"Cluster":   req.Cluster.NameOnCloud,
			"Instances": len(resp.Data.InstanceIDs),
		}).Info("launched instances")
	}

	existing, err = prov.listCluster(ctx, req.Cluster)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, fmt.Errorf("cluster %s has no instances after launch", req.Cluster.NameOnCloud)
	}
	rec.HeadInstanceID = cloud.InstanceID(existing[0].ID)
	return rec, nil
}

func (prov *lambdaProvisioner) TeardownCluster(ctx context.Context, cluster cloud.ClusterIdentity, region string) error {
	existing, err := prov.listCluster(ctx, cluster)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}
	var ids []string
	for _, inst := range existing {
		ids = append(ids, inst.ID)
	}
	prov.logger.WithFields(logrus.Fields{
		"Cluster":   cluster.NameOnCloud,
		"Instances": len(ids),
	}).Info("terminating instances")
	return prov.do(ctx, "POST", "/instance-operations/terminate", map[string]interface{}{
		"instance_ids": ids,
	}, nil)
}

var statusMap = map[string]cloud.InstanceStatus{
	"booting":     cloud.StatusPending,
	"active":      cloud.StatusRunning,
	"unhealthy":   cloud.StatusPending,
	"terminating": cloud.StatusTerminated,
	"terminated":  cloud.StatusTerminated,
}

func (prov *lambdaProvisioner) QueryInstances(ctx context.Context, cluster cloud.ClusterIdentity, region string) (map[cloud.InstanceID]cloud.InstanceStatus, error) {
	existing, err := prov.listCluster(ctx, cluster)
	if err != nil {
		return nil, err
	}
	statuses := map[cloud.InstanceID]cloud.InstanceStatus{}
	for _, inst := range existing {
		status, ok := statusMap[inst.Status]
		if !ok {
			status = cloud.StatusPending
		}
		statuses[cloud.InstanceID(inst.ID)] = status
	}
	return statuses, nil
}

func (prov *lambdaProvisioner) GetClusterInfo(ctx context.Context, cluster cloud.ClusterIdentity, region string) (*cloud.ClusterInfo, error) {
	existing, err := prov.listCluster(ctx, cluster)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, fmt.Errorf("cluster %s has no instances", cluster.NameOnCloud)
	}
	sshUser := prov.lambdaconfig.SSHUser
	if sshUser == "" {
		sshUser = "ubuntu"
	}
	info := &cloud.ClusterInfo{
		Provider:       cloud.LambdaCloud,
		Region:         region,
		Instances:      map[cloud.InstanceID]cloud.InstanceMetadata{},
		HeadInstanceID: cloud.InstanceID(existing[0].ID),
		SSHUser:        sshUser,
	}
	for _, inst := range existing {
		id := cloud.InstanceID(inst.ID)
		info.Instances[id] = cloud.InstanceMetadata{
			InstanceID: id,
			InternalIP: inst.PrivateIP,
			ExternalIP: inst.IP,
			SSHPort:    22,
		}
	}
	return info, nil
}

// ZoneSets always reports a single zoneless candidate set: Lambda Cloud
// has no zone concept.
func (prov *lambdaProvisioner) ZoneSets(region string, spec cloud.ResourceSpec) ([][]string, error) {
	return [][]string{nil}, nil
}

func (prov *lambdaProvisioner) APIVersion() cloud.APIVersion {
	return cloud.APIVersionStructured
}

func (prov *lambdaProvisioner) Stop() {
}
