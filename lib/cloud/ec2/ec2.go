// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ec2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
	"github.com/skyferry/skyferry/lib/cloud"
)

const tagClusterName = "skyferry-cluster-name"
const tagNodeRole = "skyferry-node-role"

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newEC2Provisioner)

type ec2Config struct {
	AccessKeyID     string
	SecretAccessKey string
	SecurityGroupID string
	// Subnet per region. A region absent from the map uses the
	// account's default VPC subnet.
	SubnetIDs map[string]string
	// AMI per region.
	ImageIDs      map[string]string
	KeyPairName   string
	AdminUsername string
	SpotMaxPrice  string
	// Overrides the service endpoint, for tests.
	Endpoint string
}

type ec2Provisioner struct {
	ec2config ec2Config
	logger    logrus.FieldLogger
	awsConfig aws.Config

	mtx     sync.Mutex
	clients map[string]*ec2.Client
}

func newEC2Provisioner(config json.RawMessage, logger logrus.FieldLogger) (cloud.Provisioner, error) {
	prov := &ec2Provisioner{
		logger:  logger,
		clients: map[string]*ec2.Client{},
	}
	if err := json.Unmarshal(config, &prov.ec2config); err != nil {
		return nil, err
	}
	var opts []func(*awsconfig.LoadOptions) error
	if prov.ec2config.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				prov.ec2config.AccessKeyID,
				prov.ec2config.SecretAccessKey,
				"")))
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	prov.awsConfig = awsConfig
	return prov, nil
}

func (prov *ec2Provisioner) client(region string) *ec2.Client {
	prov.mtx.Lock()
	defer prov.mtx.Unlock()
	if client, ok := prov.clients[region]; ok {
		return client
	}
	client := ec2.NewFromConfig(prov.awsConfig, func(o *ec2.Options) {
		o.Region = region
		if prov.ec2config.Endpoint != "" {
			o.BaseEndpoint = aws.String(prov.ec2config.Endpoint)
		}
	})
	prov.clients[region] = client
	return client
}

func (prov *ec2Provisioner) BulkProvision(ctx context.Context, req cloud.ProvisionRequest) (*cloud.ProvisionRecord, error) {
	client := prov.client(req.Region)
	rec := &cloud.ProvisionRecord{
		Provider: cloud.AWS,
		Region:   req.Region,
		Spec:     req.Spec,
	}
	if len(req.Zones) > 0 {
		rec.Zone = req.Zones[0]
	}

	existing, err := prov.describeCluster(ctx, client, req.Cluster, true)
	if err != nil {
		return nil, wrapError(err, req.Region, req.Zones)
	}
	var running, stopped []types.Instance
	for _, inst := range existing {
		switch inst.State.Name {
		case types.InstanceStateNameRunning, types.InstanceStateNamePending:
			running = append(running, inst)
		case types.InstanceStateNameStopped, types.InstanceStateNameStopping:
			stopped = append(stopped, inst)
		}
	}

	if req.PrevClusterEverUp && len(stopped) > 0 {
		var ids []string
		for _, inst := range stopped {
			if len(ids)+len(running) >= req.NumNodes {
				break
			}
			ids = append(ids, *inst.InstanceId)
		}
		if len(ids) > 0 {
			_, err := client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
			if err != nil {
				return nil, wrapError(err, req.Region, req.Zones)
			}
			for _, id := range ids {
				rec.ResumedInstanceIDs = append(rec.ResumedInstanceIDs, cloud.InstanceID(id))
			}
			prov.logger.WithFields(logrus.Fields{
				"Cluster":   req.Cluster.NameOnCloud,
				"Instances": len(ids),
			}).Info("resumed stopped instances")
		}
	}

	needed := req.NumNodes - len(running) - len(rec.ResumedInstanceIDs)
	if needed > 0 {
		imageID, ok := prov.ec2config.ImageIDs[req.Region]
		if !ok {
			return nil, fmt.Errorf("no ImageID configured for region %s", req.Region)
		}
		rii := &ec2.RunInstancesInput{
			ImageId:                           aws.String(imageID),
			InstanceType:                      types.InstanceType(req.Spec.InstanceType),
			MinCount:                          aws.Int32(int32(needed)),
			MaxCount:                          aws.Int32(int32(needed)),
			DisableApiTermination:             aws.Bool(false),
			InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorStop,
			UserData:                          aws.String(base64.StdEncoding.EncodeToString([]byte("#!/bin/sh\n"))),
			TagSpecifications: []types.TagSpecification{{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{
						Key:   aws.String("Name"),
						Value: aws.String(req.Cluster.DisplayName),
					},
					{
						Key:   aws.String(tagClusterName),
						Value: aws.String(req.Cluster.NameOnCloud),
					},
				},
			}},
		}
		if prov.ec2config.KeyPairName != "" {
			rii.KeyName = aws.String(prov.ec2config.KeyPairName)
		}
		if prov.ec2config.SecurityGroupID != "" || prov.ec2config.SubnetIDs[req.Region] != "" {
			ni := types.InstanceNetworkInterfaceSpecification{
				AssociatePublicIpAddress: aws.Bool(true),
				DeleteOnTermination:      aws.Bool(true),
				DeviceIndex:              aws.Int32(0),
			}
			if prov.ec2config.SecurityGroupID != "" {
				ni.Groups = []string{prov.ec2config.SecurityGroupID}
			}
			if subnet := prov.ec2config.SubnetIDs[req.Region]; subnet != "" {
				ni.SubnetId = aws.String(subnet)
			}
			rii.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{ni}
		}
		if len(req.Zones) > 0 {
			rii.Placement = &types.Placement{AvailabilityZone: aws.String(req.Zones[0])}
		}
		if req.Spec.UseSpot {
			spotOptions := &types.SpotMarketOptions{
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorStop,
				SpotInstanceType:             types.SpotInstanceTypePersistent,
			}
			if prov.ec2config.SpotMaxPrice != "" {
				spotOptions.MaxPrice = aws.String(prov.ec2config.SpotMaxPrice)
			}
			rii.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
				MarketType:  types.MarketTypeSpot,
				SpotOptions: spotOptions,
			}
		}

		rsv, err := client.RunInstances(ctx, rii)
		if err != nil {
			return nil, wrapError(err, req.Region, req.Zones)
		}
		for _, inst := range rsv.Instances {
			rec.CreatedInstanceIDs = append(rec.CreatedInstanceIDs, cloud.InstanceID(*inst.InstanceId))
		}
	}

	headID, err := prov.electHead(ctx, client, req.Cluster, rec)
	if err != nil {
		return nil, wrapError(err, req.Region, req.Zones)
	}
	rec.HeadInstanceID = headID
	return rec, nil
}

// electHead keeps the existing head if one is tagged, otherwise tags
// the first known instance as head.
func (prov *ec2Provisioner) electHead(ctx context.Context, client *ec2.Client, cluster cloud.ClusterIdentity, rec *cloud.ProvisionRecord) (cloud.InstanceID, error) {
	existing, err := prov.describeCluster(ctx, client, cluster, true)
	if err != nil {
		return "", err
	}
	var candidates []string
	for _, inst := range existing {
		for _, tag := range inst.Tags {
			if *tag.Key == tagNodeRole && *tag.Value == "head" {
				return cloud.InstanceID(*inst.InstanceId), nil
			}
		}
		candidates = append(candidates, *inst.InstanceId)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("cluster %s has no instances after provisioning", cluster.NameOnCloud)
	}
	sort.Strings(candidates)
	head := candidates[0]
	_, err = client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{head},
		Tags: []types.Tag{{
			Key:   aws.String(tagNodeRole),
			Value: aws.String("head"),
		}},
	})
	if err != nil {
		return "", err
	}
	return cloud.InstanceID(head), nil
}

func (prov *ec2Provisioner) describeCluster(ctx context.Context, client *ec2.Client, cluster cloud.ClusterIdentity, includeStopped bool) ([]types.Instance, error) {
	states := []string{"pending", "running"}
	if includeStopped {
		states = append(states, "stopping", "stopped")
	}
	dii := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("tag:" + tagClusterName),
				Values: []string{cluster.NameOnCloud},
			},
			{
				Name:   aws.String("instance-state-name"),
				Values: states,
			},
		},
	}
	var instances []types.Instance
	for {
		dio, err := client.DescribeInstances(ctx, dii)
		if err != nil {
			return nil, err
		}
		for _, rsv := range dio.Reservations {
			instances = append(instances, rsv.Instances...)
		}
		if dio.NextToken == nil {
			return instances, nil
		}
		dii.NextToken = dio.NextToken
	}
}

func (prov *ec2Provisioner) TeardownCluster(ctx context.Context, cluster cloud.ClusterIdentity, region string) error {
	client := prov.client(region)
	existing, err := prov.describeCluster(ctx, client, cluster, true)
	if err != nil {
		return wrapError(err, region, nil)
	}
	if len(existing) == 0 {
		return nil
	}
	var ids []string
	for _, inst := range existing {
		ids = append(ids, *inst.InstanceId)
	}
	prov.logger.WithFields(logrus.Fields{
		"Cluster":   cluster.NameOnCloud,
		"Instances": len(ids),
	}).Info("terminating instances")
	_, err = client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	return wrapError(err, region, nil)
}

var stateToStatus = map[types.InstanceStateName]cloud.InstanceStatus{
	types.InstanceStateNamePending:      cloud.StatusPending,
	types.InstanceStateNameRunning:      cloud.StatusRunning,
	types.InstanceStateNameStopping:     cloud.StatusStopped,
	types.InstanceStateNameStopped:      cloud.StatusStopped,
	types.InstanceStateNameShuttingDown: cloud.StatusTerminated,
	types.InstanceStateNameTerminated:   cloud.StatusTerminated,
}

func (prov *ec2Provisioner) QueryInstances(ctx context.Context, cluster cloud.ClusterIdentity, region string) (map[cloud.InstanceID]cloud.InstanceStatus, error) {
	client := prov.client(region)
	existing, err := prov.describeCluster(ctx, client, cluster, true)
	if err != nil {
		return nil, wrapError(err, region, nil)
	}
	statuses := map[cloud.InstanceID]cloud.InstanceStatus{}
	for _, inst := range existing {
		status, ok := stateToStatus[inst.State.Name]
		if !ok {
			status = cloud.StatusPending
		}
		statuses[cloud.InstanceID(*inst.InstanceId)] = status
	}
	return statuses, nil
}

func (prov *ec2Provisioner) GetClusterInfo(ctx context.Context, cluster cloud.ClusterIdentity, region string) (*cloud.ClusterInfo, error) {
	client := prov.client(region)
	existing, err := prov.describeCluster(ctx, client, cluster, false)
	if err != nil {
		return nil, wrapError(err, region, nil)
	}
	if len(existing) == 0 {
		return nil, fmt.Errorf("cluster %s has no running instances", cluster.NameOnCloud)
	}
	info := &cloud.ClusterInfo{
		Provider:  cloud.AWS,
		Region:    region,
		Instances: map[cloud.InstanceID]cloud.InstanceMetadata{},
		SSHUser:   prov.ec2config.AdminUsername,
	}
	for _, inst := range existing {
		id := cloud.InstanceID(*inst.InstanceId)
		meta := cloud.InstanceMetadata{
			InstanceID: id,
			SSHPort:    22,
			Tags:       map[string]string{},
		}
		if inst.PrivateIpAddress != nil {
			meta.InternalIP = *inst.PrivateIpAddress
		}
		if inst.PublicIpAddress != nil {
			meta.ExternalIP = *inst.PublicIpAddress
		}
		for _, tag := range inst.Tags {
			meta.Tags[*tag.Key] = *tag.Value
			if *tag.Key == tagNodeRole && *tag.Value == "head" {
				info.HeadInstanceID = id
			}
		}
		info.Instances[id] = meta
	}
	return info, nil
}

// ZoneSets offers each availability zone of the region as its own
// candidate set, so a zonal capacity failure only poisons that zone.
func (prov *ec2Provisioner) ZoneSets(region string, spec cloud.ResourceSpec) ([][]string, error) {
	client := prov.client(region)
	dazo, err := client.DescribeAvailabilityZones(context.Background(), &ec2.DescribeAvailabilityZonesInput{
		Filters: []types.Filter{{
			Name:   aws.String("state"),
			Values: []string{"available"},
		}},
	})
	if err != nil {
		return nil, wrapError(err, region, nil)
	}
	var zones []string
	for _, az := range dazo.AvailabilityZones {
		zones = append(zones, *az.ZoneName)
	}
	sort.Strings(zones)
	sets := make([][]string, 0, len(zones))
	for _, zone := range zones {
		sets = append(sets, []string{zone})
	}
	return sets, nil
}

// CheckQuotaAvailable reports false when the instance type is not
// offered in the region at all, so the caller can skip it without
// spending a provision attempt.
func (prov *ec2Provisioner) CheckQuotaAvailable(ctx context.Context, spec cloud.ResourceSpec) (bool, error) {
	client := prov.client(spec.Region)
	locationType := types.LocationTypeRegion
	dito, err := client.DescribeInstanceTypeOfferings(ctx, &ec2.DescribeInstanceTypeOfferingsInput{
		LocationType: locationType,
		Filters: []types.Filter{
			{
				Name:   aws.String("instance-type"),
				Values: []string{spec.InstanceType},
			},
			{
				Name:   aws.String("location"),
				Values: []string{spec.Region},
			},
		},
	})
	if err != nil {
		return false, wrapError(err, spec.Region, nil)
	}
	return len(dito.InstanceTypeOfferings) > 0, nil
}

func (prov *ec2Provisioner) APIVersion() cloud.APIVersion {
	return cloud.APIVersionStructured
}

func (prov *ec2Provisioner) Stop() {
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

var throttleCodes = map[string]bool{
	"RequestLimitExceeded":  true,
	"Throttling":            true,
	"ThrottlingException":   true,
	"EC2ThrottledException": true,
}

// wrapError converts an SDK error into either a RateLimitError, which
// the retry layer honors with a holdoff, or a ProvisionerError carrying
// the provider's code for the classifier. Non-API errors pass through.
func wrapError(err error, region string, zones []string) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return err
	}
	if throttleCodes[ae.ErrorCode()] {
		return rateLimitError{
			error:         err,
			earliestRetry: time.Now().Add(10 * time.Second),
		}
	}
	return cloud.NewProvisionerError(cloud.AWS, region, zones, []cloud.APIError{{
		Code:    ae.ErrorCode(),
		Message: ae.ErrorMessage(),
	}}, err)
}
