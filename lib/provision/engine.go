// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/skyferry/skyferry/lib/cloud"
	"github.com/skyferry/skyferry/lib/cluster"
	"github.com/skyferry/skyferry/lib/state"
)

// An Optimizer picks the next concrete resource shape to try, given
// the shape the caller originally wanted and the patterns already
// proven unavailable. Region iteration order is the optimizer's
// business (cost or time order), not the engine's. It returns a
// ResourcesUnavailableError when no feasible shape remains.
type Optimizer interface {
	Optimize(ctx context.Context, want cloud.ResourceSpec, blocked []cloud.ResourceSpec) (cloud.ResourceSpec, error)
}

// A Plan bundles what to provision with what is already known about a
// possibly pre-existing cluster of the same name. The two cases have
// materially different retry semantics: a fresh cluster may roam
// across zones and clouds, a relaunch must stay in its recorded
// placement.
type Plan struct {
	ClusterName string
	Spec        cloud.ResourceSpec
	NumNodes    int
	// Path to the generated provider configuration for this
	// launch, opaque to the engine.
	ConfigPath string
	ConfigHash string

	// State of the cluster being relaunched; PrevHandle nil means
	// a fresh cluster.
	PrevStatus        state.ClusterStatus
	PrevHandle        *cluster.Handle
	PrevClusterEverUp bool
	PrevConfigHash    string
}

// A Result reports a successful provision.
type Result struct {
	Handle *cluster.Handle
	Record *cloud.ProvisionRecord
	// The refined spec the provider actually fulfilled; region and
	// zone may differ from the request.
	Spec cloud.ResourceSpec
}

// EngineOptions are the engine's tunables. Zero values select
// defaults.
type EngineOptions struct {
	Backoff Backoff
	// Abort an attempt when no new node reaches running state for
	// this long. Providers' own timeout semantics are unreliable,
	// so the engine keeps its own clock.
	ProgressTimeout time.Duration
	ProgressPoll    time.Duration
	LockTimeout     time.Duration
	// Upper bound on optimizer-driven shape changes per call.
	MaxShapeAttempts int
	// UserHash feeds the deterministic name-on-cloud derivation.
	UserHash string
}

const (
	defaultProgressTimeout  = 10 * time.Minute
	defaultProgressPoll     = 15 * time.Second
	defaultLockTimeout      = 10 * time.Second
	defaultMaxShapeAttempts = 20
)

// The Engine walks candidate placements for a resource request,
// blocklisting classified failures and failing over across zones,
// regions, and clouds until the request is satisfied or provably
// unsatisfiable.
type Engine struct {
	logger       logrus.FieldLogger
	provisioners map[cloud.CloudID]cloud.Provisioner
	optimizer    Optimizer
	store        state.Store
	locker       state.Locker
	classifiers  *Classifiers
	opts         EngineOptions
	metrics      *metrics
}

// NewEngine returns an engine using the given provisioners, one per
// configured cloud. optimizer may be nil, which disables cross-shape
// failover.
func NewEngine(logger logrus.FieldLogger, provisioners map[cloud.CloudID]cloud.Provisioner, optimizer Optimizer, store state.Store, locker state.Locker, reg *prometheus.Registry, opts EngineOptions) *Engine {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff
	}
	if opts.ProgressTimeout == 0 {
		opts.ProgressTimeout = defaultProgressTimeout
	}
	if opts.ProgressPoll == 0 {
		opts.ProgressPoll = defaultProgressPoll
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.MaxShapeAttempts == 0 {
		opts.MaxShapeAttempts = defaultMaxShapeAttempts
	}
	return &Engine{
		logger:       logger,
		provisioners: provisioners,
		optimizer:    optimizer,
		store:        store,
		locker:       locker,
		classifiers:  NewClassifiers(),
		opts:         opts,
		metrics:      newMetrics(reg),
	}
}

// Classifiers exposes the registry so callers can add per-cloud
// handlers before the first ProvisionWithRetries call.
func (eng *Engine) Classifiers() *Classifiers {
	return eng.classifiers
}

// ProvisionWithRetries drives the full failover loop for one cluster.
// The engine holds the cluster's named lock for the duration. On
// exhaustion it returns a ResourcesUnavailableError whose history has
// one entry per attempted shape.
func (eng *Engine) ProvisionWithRetries(ctx context.Context, plan Plan, dryRun bool) (*Result, error) {
	logger := eng.logger.WithField("Cluster", plan.ClusterName)
	if err := cluster.CheckName(plan.ClusterName); err != nil {
		return nil, err
	}
	if err := eng.checkMismatch(plan); err != nil {
		return nil, err
	}
	if !dryRun {
		unlock, err := eng.locker.Acquire(ctx, plan.ClusterName, eng.opts.LockTimeout)
		if err != nil {
			return nil, err
		}
		defer unlock.Unlock()
	}

	blocked := NewBlockedResourceSet()
	defer func() {
		eng.metrics.blockedPatterns.Set(float64(blocked.Len()))
	}()

	spec := plan.Spec
	if plan.PrevHandle != nil {
		// Relaunch: reuse the recorded shape; the request only
		// gets to narrow it (checked above).
		spec = plan.PrevHandle.LaunchedSpec
		if plan.PrevConfigHash != "" && plan.ConfigHash != "" && plan.PrevConfigHash != plan.ConfigHash {
			logger.Info("provider config changed since last launch, provisioning with the new config")
		}
	}

	var history []AttemptFailure
	for shape := 0; shape < eng.opts.MaxShapeAttempts; shape++ {
		if err := validateShape(spec); err != nil {
			return nil, err
		}
		res, err := eng.retryZones(ctx, logger, plan, spec, blocked, dryRun)
		if err == nil {
			return res, nil
		}
		var rue *ResourcesUnavailableError
		if !errors.As(err, &rue) {
			// Cancellation, store failures, mismatch and
			// config errors propagate untouched.
			return nil, err
		}
		history = append(history, AttemptFailure{Spec: spec, Err: err})
		if rue.NoFailover {
			return nil, rue.WithFailoverHistory(history)
		}
		if eng.optimizer == nil {
			return nil, rue.WithFailoverHistory(history)
		}
		if plan.PrevHandle != nil {
			// The never-up cluster could not be relaunched in
			// its recorded placement; from here on it is
			// treated as a fresh launch. (An ever-up cluster
			// returned NoFailover above.)
			plan.PrevHandle = nil
			plan.PrevStatus = ""
		}
		eng.metrics.failovers.Inc()
		next, oerr := eng.optimizer.Optimize(ctx, plan.Spec, blocked.Patterns())
		if oerr != nil {
			logger.WithError(oerr).Info("no feasible placement remains")
			return nil, (&ResourcesUnavailableError{
				Message: fmt.Sprintf("failed to provision %q on all feasible placements", plan.ClusterName),
			}).WithFailoverHistory(history)
		}
		logger.WithField("Spec", next.String()).Info("failing over to a different resource shape")
		spec = next
	}
	return nil, (&ResourcesUnavailableError{
		Message: fmt.Sprintf("gave up provisioning %q after %d resource shapes", plan.ClusterName, eng.opts.MaxShapeAttempts),
	}).WithFailoverHistory(history)
}

// validateShape rejects shapes the optimizer failed to make concrete.
// The engine never invents clouds, regions, or instance types.
func validateShape(spec cloud.ResourceSpec) error {
	if spec.Cloud == "" {
		return &InvalidCloudConfigError{Provider: spec.Cloud, Reason: "resource shape has no cloud"}
	}
	if spec.Region == "" {
		return &InvalidCloudConfigError{Provider: spec.Cloud, Reason: "resource shape has no region"}
	}
	if spec.InstanceType == "" {
		return &InvalidCloudConfigError{Provider: spec.Cloud, Reason: "resource shape has no instance type"}
	}
	return nil
}

// checkMismatch rejects a relaunch whose request the existing cluster
// cannot satisfy. Failing over would silently create a second cluster,
// so this is fatal and never retried.
func (eng *Engine) checkMismatch(plan Plan) error {
	if plan.PrevHandle == nil {
		return nil
	}
	prev := plan.PrevHandle.LaunchedSpec
	want := plan.Spec
	if want.Cloud != "" && want.Cloud != prev.Cloud ||
		want.Region != "" && want.Region != prev.Region ||
		want.InstanceType != "" && want.InstanceType != prev.InstanceType {
		return &ResourcesMismatchError{
			ClusterName: plan.ClusterName,
			Requested:   want,
			Existing:    prev,
		}
	}
	return nil
}

// retryZones walks the zone candidates of one concrete region,
// attempting each unblocked candidate until one succeeds or the
// region is exhausted.
func (eng *Engine) retryZones(ctx context.Context, logger logrus.FieldLogger, plan Plan, spec cloud.ResourceSpec, blocked *BlockedResourceSet, dryRun bool) (*Result, error) {
	prov, ok := eng.provisioners[spec.Cloud]
	if !ok {
		blocked.Add(spec.WithoutRegion())
		return nil, &InvalidCloudConfigError{Provider: spec.Cloud, Reason: "no provisioner configured"}
	}
	region := spec.Region
	fixedRegion := plan.PrevHandle != nil

	var zoneSets [][]string
	switch {
	case fixedRegion:
		// Changing region would orphan cloud resources under
		// the old name, so relaunch reuses the recorded
		// placement exactly.
		prev := plan.PrevHandle.LaunchedSpec
		region = prev.Region
		if prev.Zone != "" {
			zoneSets = [][]string{{prev.Zone}}
		} else {
			zoneSets = [][]string{nil}
		}
		if plan.PrevStatus != state.StatusUp {
			logger.WithFields(logrus.Fields{
				"Region":     region,
				"PrevStatus": plan.PrevStatus,
			}).Info("restarting cluster that did not finish provisioning")
		}
	case spec.Zone != "":
		zoneSets = [][]string{{spec.Zone}}
	default:
		var err error
		zoneSets, err = prov.ZoneSets(region, spec)
		if err != nil {
			blocked.Add(spec.WithoutZone())
			return nil, &ResourcesUnavailableError{
				Message: fmt.Sprintf("listing zones for %s failed: %v", spec, err),
			}
		}
		if len(zoneSets) == 0 {
			zoneSets = [][]string{nil}
		}
	}

	if !dryRun {
		if avail, err := eng.quotaAvailable(ctx, prov, spec.WithRegion(region)); err != nil {
			logger.WithError(err).Debug("quota check inconclusive, assuming available")
		} else if !avail {
			// Definitive zero quota: skip the whole region
			// without a doomed provision call.
			blocked.Add(spec.WithRegion(region).WithoutZone())
			return nil, &ResourcesUnavailableError{
				Message: fmt.Sprintf("zero quota for %s in region %s", spec, region),
			}
		}
	}

	identity := eng.identity(plan)
	var lastErr error
	for _, zones := range zoneSets {
		// Attempts are abortable between candidates, not mid
		// cloud call.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		zones, skip := filterBlocked(blocked, spec, region, zones)
		if skip {
			continue
		}
		attemptSpec := spec.WithRegion(region).WithoutZone()
		if len(zones) == 1 {
			attemptSpec = attemptSpec.WithZone(zones[0])
		}
		logger.WithFields(logrus.Fields{
			"Cloud":  spec.Cloud,
			"Region": region,
			"Zones":  zones,
		}).Info("trying placement")

		handle := cluster.NewHandle(plan.ClusterName, identity.NameOnCloud, attemptSpec, plan.NumNodes, eng.configPath(plan))
		if dryRun {
			return &Result{Handle: handle, Spec: attemptSpec}, nil
		}
		// The INIT record is written before the cloud call so a
		// crash mid-provision leaves a discoverable, nameable
		// cluster.
		if err := eng.store.PutCluster(ctx, plan.ClusterName, handle, state.StatusInit); err != nil {
			return nil, fmt.Errorf("persist cluster record: %w", err)
		}

		req := cloud.ProvisionRequest{
			Cluster:           identity,
			Region:            region,
			Zones:             zones,
			NumNodes:          plan.NumNodes,
			Spec:              attemptSpec,
			ConfigPath:        eng.configPath(plan),
			PrevClusterEverUp: plan.PrevClusterEverUp,
		}
		t0 := time.Now()
		rec, stdout, stderr, err := eng.provisionOnce(ctx, logger, prov, req)
		if err == nil {
			eng.metrics.attempts.WithLabelValues(string(spec.Cloud), "success").Inc()
			eng.metrics.provisionTime.Observe(time.Since(t0).Seconds())
			return eng.finishProvision(ctx, logger, prov, plan, identity, handle, attemptSpec, rec)
		}
		eng.metrics.attempts.WithLabelValues(string(spec.Cloud), "failure").Inc()
		lastErr = err
		eng.classifyFailure(logger, prov, blocked, spec, region, zones, stdout, stderr, err)
		eng.cleanupFailure(logger, prov, identity, region, stdout, stderr)
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Cleanup already ran; now propagate the abort.
			return nil, ctxErr
		}
	}

	if fixedRegion {
		if plan.PrevClusterEverUp {
			// The cluster holds user state in this placement.
			// Relocating it silently is never acceptable.
			return nil, &ResourcesUnavailableError{
				Message:    fmt.Sprintf("failed to relaunch cluster %q in its recorded placement %s/%s (%v)", plan.ClusterName, spec.Cloud, region, lastErr),
				NoFailover: true,
			}
		}
		return nil, &ResourcesUnavailableError{
			Message: fmt.Sprintf("failed to relaunch never-up cluster %q in %s/%s (%v)", plan.ClusterName, spec.Cloud, region, lastErr),
		}
	}
	return nil, &ResourcesUnavailableError{
		Message: fmt.Sprintf("no capacity for %s in region %s", spec, region),
	}
}

func (eng *Engine) identity(plan Plan) cloud.ClusterIdentity {
	nameOnCloud := cluster.NameOnCloud(plan.ClusterName, eng.opts.UserHash)
	if plan.PrevHandle != nil {
		nameOnCloud = plan.PrevHandle.NameOnCloud
	}
	return cloud.ClusterIdentity{DisplayName: plan.ClusterName, NameOnCloud: nameOnCloud}
}

func (eng *Engine) configPath(plan Plan) string {
	if plan.ConfigPath != "" {
		return plan.ConfigPath
	}
	if plan.PrevHandle != nil && plan.PrevHandle.ConfigPath != nil {
		return *plan.PrevHandle.ConfigPath
	}
	return ""
}

// filterBlocked drops blocked zones from a candidate set. skip means
// nothing in the set remains attemptable.
func filterBlocked(blocked *BlockedResourceSet, spec cloud.ResourceSpec, region string, zones []string) ([]string, bool) {
	if len(zones) == 0 {
		return nil, blocked.Blocks(spec.WithRegion(region).WithoutZone())
	}
	var usable []string
	for _, zone := range zones {
		if !blocked.Blocks(spec.WithRegion(region).WithZone(zone)) {
			usable = append(usable, zone)
		}
	}
	return usable, len(usable) == 0
}

func (eng *Engine) quotaAvailable(ctx context.Context, prov cloud.Provisioner, spec cloud.ResourceSpec) (bool, error) {
	qc, ok := prov.(cloud.QuotaChecker)
	if !ok {
		return true, nil
	}
	avail, err := qc.CheckQuotaAvailable(ctx, spec)
	if err != nil {
		// Unknown is treated as available: correctness favors
		// attempting over under-provisioning.
		return true, err
	}
	return avail, nil
}

// provisionOnce runs one bulk-provision call under the progress
// watchdog. For legacy drivers it returns the tool's raw output for
// the text classifier.
func (eng *Engine) provisionOnce(ctx context.Context, logger logrus.FieldLogger, prov cloud.Provisioner, req cloud.ProvisionRequest) (*cloud.ProvisionRecord, []byte, []byte, error) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdogDone := make(chan struct{})
	go eng.watchProgress(pctx, logger, prov, req, cancel, watchdogDone)
	defer func() {
		cancel()
		<-watchdogDone
	}()

	if prov.APIVersion() == cloud.APIVersionStructured {
		rec, err := prov.BulkProvision(pctx, req)
		return rec, nil, nil, err
	}
	gp, ok := prov.(cloud.GangProvisioner)
	if !ok {
		return nil, nil, nil, &InvalidCloudConfigError{Provider: req.Spec.Cloud, Reason: "legacy driver does not implement gang provisioning"}
	}
	stdout, stderr, err := gp.GangProvision(pctx, req)
	if err != nil {
		return nil, stdout, stderr, err
	}
	rec := &cloud.ProvisionRecord{
		Provider: req.Spec.Cloud,
		Region:   req.Region,
		Spec:     req.Spec,
	}
	if len(req.Zones) > 0 {
		rec.Zone = req.Zones[0]
	}
	return rec, stdout, stderr, nil
}

// watchProgress cancels an attempt when the number of running nodes
// stops increasing for the configured timeout.
func (eng *Engine) watchProgress(ctx context.Context, logger logrus.FieldLogger, prov cloud.Provisioner, req cloud.ProvisionRequest, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(eng.opts.ProgressPoll)
	defer ticker.Stop()
	lastCount := -1
	lastProgress := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		statuses, err := prov.QueryInstances(ctx, req.Cluster, req.Region)
		if err != nil {
			continue
		}
		running := 0
		for _, status := range statuses {
			if status == cloud.StatusRunning {
				running++
			}
		}
		if running > lastCount {
			lastCount = running
			lastProgress = time.Now()
			logger.WithFields(logrus.Fields{
				"Running":  running,
				"NumNodes": req.NumNodes,
			}).Info("provisioning progress")
			continue
		}
		if time.Since(lastProgress) > eng.opts.ProgressTimeout {
			logger.WithField("Timeout", eng.opts.ProgressTimeout).Warn("no provisioning progress, aborting attempt")
			cancel()
			return
		}
	}
}

// finishProvision updates the handle with what the provider actually
// did and marks the cluster UP.
func (eng *Engine) finishProvision(ctx context.Context, logger logrus.FieldLogger, prov cloud.Provisioner, plan Plan, identity cloud.ClusterIdentity, handle *cluster.Handle, attemptSpec cloud.ResourceSpec, rec *cloud.ProvisionRecord) (*Result, error) {
	refined := attemptSpec
	if rec.Region != "" {
		refined = refined.WithRegion(rec.Region)
	}
	if rec.Zone != "" {
		refined = refined.WithZone(rec.Zone)
	}
	handle.LaunchedSpec = refined

	ci, err := prov.GetClusterInfo(ctx, identity, refined.Region)
	if err == nil && ci != nil {
		handle.SetClusterInfo(ci)
	} else if err != nil && !errors.Is(err, cloud.ErrNotImplemented) {
		logger.WithError(err).Warn("provisioned cluster but could not fetch cluster info")
	}
	if err := eng.store.PutCluster(ctx, plan.ClusterName, handle, state.StatusUp); err != nil {
		return nil, fmt.Errorf("persist cluster record: %w", err)
	}
	if plan.ConfigHash != "" {
		// The hash is advisory (it only drives the config-changed
		// notice on relaunch), so failing to record it does not
		// fail the provision.
		if err := eng.store.SetConfigHash(ctx, plan.ClusterName, plan.ConfigHash); err != nil {
			logger.WithError(err).Warn("could not record provider config hash")
		}
	}
	logger.WithFields(logrus.Fields{
		"Cloud":  refined.Cloud,
		"Region": refined.Region,
		"Zone":   refined.Zone,
	}).Info("cluster is up")
	return &Result{Handle: handle, Record: rec, Spec: refined}, nil
}

func (eng *Engine) classifyFailure(logger logrus.FieldLogger, prov cloud.Provisioner, blocked *BlockedResourceSet, spec cloud.ResourceSpec, region string, zones []string, stdout, stderr []byte, err error) {
	if prov.APIVersion() == cloud.APIVersionStructured {
		eng.classifiers.ClassifyStructured(logger, blocked, spec, region, zones, err)
		return
	}
	if status := ParseGangStatus(stdout, stderr); status == GangFailed {
		// The zone hosted a head node, so it stays eligible;
		// the attempt still failed.
		logger.Info("head node came up but workers did not")
		return
	}
	eng.classifiers.ClassifyText(logger, blocked, spec, region, zones, stdout, stderr)
}

// cleanupFailure tears down whatever a failed attempt created.
// Best-effort: a teardown failure must not mask the original error.
// It runs on a fresh context so cleanup still happens when the attempt
// was aborted.
func (eng *Engine) cleanupFailure(logger logrus.FieldLogger, prov cloud.Provisioner, identity cloud.ClusterIdentity, region string, stdout, stderr []byte) {
	if prov.APIVersion() == cloud.APIVersionLegacy && !HeadLaunchRequested(stdout, stderr) {
		// The tool never got far enough to request cloud
		// resources; teardown would be a no-op.
		logger.Debug("skipping teardown, nothing was requested")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	err := eng.opts.Backoff.Retry(ctx, logger, "teardown", func() error {
		return prov.TeardownCluster(ctx, identity, region)
	})
	if err != nil {
		logger.WithError(err).Warn("best-effort teardown failed, resources may be left behind")
	}
}
