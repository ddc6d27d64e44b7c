// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Command skyferry-provisioner runs the provisioning engine behind a
// small management HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/julienschmidt/httprouter"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/skyferry/skyferry/lib/cloud"
	"github.com/skyferry/skyferry/lib/cluster"
	"github.com/skyferry/skyferry/lib/provision"
	"github.com/skyferry/skyferry/lib/state"
	"github.com/skyferry/skyferry/sdk/go/ctxlog"
)

func main() {
	os.Exit(runCommand(os.Args[1:], os.Stderr))
}

func runCommand(args []string, stderr *os.File) int {
	flags := flag.NewFlagSet("skyferry-provisioner", flag.ContinueOnError)
	configPath := flags.String("config", "/etc/skyferry/provisioner.yml", "configuration `file`")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("exiting")
		return 1
	}
	return 0
}

func run(cfg Config, logger logrus.FieldLogger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := sqlx.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	store := state.NewPostgresStore(db, logger)
	if err := store.SetupSchema(ctx); err != nil {
		return fmt.Errorf("setup schema: %w", err)
	}
	locker := &state.PostgresLocker{DB: db}

	provisioners := map[cloud.CloudID]cloud.Provisioner{}
	for id, cc := range cfg.Clouds {
		p, err := provision.NewProvisioner(id, cc.DriverParameters, cfg.MaxCloudOpsPerSecond, logger.WithField("Cloud", id))
		if err != nil {
			return fmt.Errorf("cloud %s: %w", id, err)
		}
		provisioners[id] = p
	}

	reg := prometheus.NewRegistry()
	eng := provision.NewEngine(logger, provisioners, nil, store, locker, reg, provision.EngineOptions{
		ProgressTimeout:  cfg.ProgressTimeout.Duration(),
		ProgressPoll:     cfg.ProgressPoll.Duration(),
		LockTimeout:      cfg.LockTimeout.Duration(),
		MaxShapeAttempts: cfg.MaxShapeAttempts,
		UserHash:         cfg.UserHash,
	})

	h, err := newHandler(logger, cfg.ManagementToken, eng, store, locker, cfg.LockTimeout.Duration(), provisioners, reg)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.Listen, Handler: h}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.WithField("Listen", cfg.Listen).Info("listening")
	err = srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// How many clusters are queried in parallel when listing live
// instance statuses.
const statusQueryParallelism = 8

const statusQueryTimeout = 30 * time.Second

type handler struct {
	router       *httprouter.Router
	logger       logrus.FieldLogger
	token        string
	engine       *provision.Engine
	store        state.Store
	locker       state.Locker
	lockTimeout  time.Duration
	provisioners map[cloud.CloudID]cloud.Provisioner
	runnerCache  *cluster.RunnerCache
}

func newHandler(logger logrus.FieldLogger, token string, eng *provision.Engine, store state.Store, locker state.Locker, lockTimeout time.Duration, provisioners map[cloud.CloudID]cloud.Provisioner, reg *prometheus.Registry) (*handler, error) {
	rc, err := cluster.NewRunnerCache(1000)
	if err != nil {
		return nil, err
	}
	if lockTimeout == 0 {
		lockTimeout = 10 * time.Second
	}
	h := &handler{
		router:       httprouter.New(),
		logger:       logger,
		token:        token,
		engine:       eng,
		store:        store,
		locker:       locker,
		lockTimeout:  lockTimeout,
		provisioners: provisioners,
		runnerCache:  rc,
	}
	h.router.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: logger,
	}))
	h.router.HandlerFunc("GET", "/clusters", h.apiListClusters)
	h.router.HandlerFunc("GET", "/clusters/:name", h.apiGetCluster)
	h.router.HandlerFunc("POST", "/clusters/:name/provision", h.apiProvision)
	h.router.HandlerFunc("POST", "/clusters/:name/force-unlock", h.apiForceUnlock)
	h.router.HandlerFunc("DELETE", "/clusters/:name", h.apiTeardown)
	return h, nil
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token == "" {
		http.Error(w, "management token not configured", http.StatusUnauthorized)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.router.ServeHTTP(w, r)
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func (h *handler) writeError(w http.ResponseWriter, code int, err error) {
	h.writeJSON(w, code, map[string]string{"error": err.Error()})
}

// provisionerFor returns the provisioner for the cloud a handle was
// launched on.
func (h *handler) provisionerFor(hdl *cluster.Handle) (cloud.Provisioner, error) {
	id := hdl.LaunchedSpec.Cloud
	p, ok := h.provisioners[id]
	if !ok {
		return nil, fmt.Errorf("no provisioner configured for cloud %q", id)
	}
	return p, nil
}

type clusterView struct {
	Name      string                                    `json:"name"`
	Status    state.ClusterStatus                       `json:"status"`
	EverUp    bool                                      `json:"ever_up"`
	UpdatedAt time.Time                                 `json:"updated_at"`
	Handle    *cluster.Handle                           `json:"handle,omitempty"`
	Instances map[cloud.InstanceID]cloud.InstanceStatus `json:"instances,omitempty"`
	QueryErr  string                                    `json:"query_error,omitempty"`
}

// apiListClusters returns every stored cluster, annotated with live
// instance statuses from the providers. The provider queries are
// idempotent reads, so they fan out through a bounded worker pool.
func (h *handler) apiListClusters(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.ListClusters(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]clusterView, len(recs))
	todo := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < statusQueryParallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range todo {
				views[i] = h.liveView(r.Context(), recs[i])
			}
		}()
	}
	for i := range recs {
		todo <- i
	}
	close(todo)
	wg.Wait()
	h.writeJSON(w, http.StatusOK, views)
}

func (h *handler) liveView(ctx context.Context, rec state.ClusterRecord) clusterView {
	view := clusterView{
		Name:      rec.Name,
		Status:    rec.Status,
		EverUp:    rec.EverUp,
		UpdatedAt: rec.UpdatedAt,
		Handle:    rec.Handle,
	}
	if rec.Handle == nil {
		return view
	}
	p, err := h.provisionerFor(rec.Handle)
	if err != nil {
		view.QueryErr = err.Error()
		return view
	}
	ctx, cancel := context.WithTimeout(ctx, statusQueryTimeout)
	defer cancel()
	identity := cloud.ClusterIdentity{DisplayName: rec.Name, NameOnCloud: rec.Handle.NameOnCloud}
	instances, err := p.QueryInstances(ctx, identity, rec.Handle.LaunchedSpec.Region)
	if err != nil {
		view.QueryErr = err.Error()
		return view
	}
	view.Instances = instances
	return view
}

func (h *handler) apiGetCluster(w http.ResponseWriter, r *http.Request) {
	name := httprouter.ParamsFromContext(r.Context()).ByName("name")
	rec, err := h.store.GetCluster(r.Context(), name)
	if err == state.ErrNotFound {
		h.writeError(w, http.StatusNotFound, err)
		return
	} else if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	view := h.liveView(r.Context(), *rec)
	if rec.Handle != nil {
		if p, err := h.provisionerFor(rec.Handle); err == nil {
			if runners, err := rec.Handle.CommandRunners(h.runnerCache, p.APIVersion(), ""); err == nil {
				h.writeJSON(w, http.StatusOK, struct {
					clusterView
					Runners []cluster.Runner `json:"runners"`
				}{view, runners})
				return
			}
		}
	}
	h.writeJSON(w, http.StatusOK, view)
}

type provisionRequest struct {
	Spec       cloud.ResourceSpec `json:"spec"`
	NumNodes   int                `json:"num_nodes"`
	ConfigPath string             `json:"config_path"`
	ConfigHash string             `json:"config_hash"`
	DryRun     bool               `json:"dry_run"`
}

// apiProvision launches (or relaunches) the named cluster and blocks
// until the retry engine succeeds or gives up.
func (h *handler) apiProvision(w http.ResponseWriter, r *http.Request) {
	name := httprouter.ParamsFromContext(r.Context()).ByName("name")
	if err := cluster.CheckName(name); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.NumNodes < 1 {
		req.NumNodes = 1
	}
	plan := provision.Plan{
		ClusterName: name,
		Spec:        req.Spec,
		NumNodes:    req.NumNodes,
		ConfigPath:  req.ConfigPath,
		ConfigHash:  req.ConfigHash,
	}
	rec, err := h.store.GetCluster(r.Context(), name)
	if err != nil && err != state.ErrNotFound {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rec != nil {
		plan.PrevStatus = rec.Status
		plan.PrevHandle = rec.Handle
		plan.PrevClusterEverUp = rec.EverUp
		// The hash recorded at the last successful launch, so the
		// engine can notice a changed provider config.
		plan.PrevConfigHash = rec.ConfigHash
	}
	result, err := h.engine.ProvisionWithRetries(r.Context(), plan, req.DryRun)
	if err != nil {
		h.logger.WithField("Cluster", name).WithError(err).Warn("provision failed")
		h.writeError(w, http.StatusConflict, err)
		return
	}
	h.runnerCache.Invalidate(name)
	h.writeJSON(w, http.StatusOK, result)
}

// apiTeardown destroys the cluster's cloud resources and removes its
// record. It takes the same per-cluster lock as provisioning, so a
// teardown can never race an in-flight launch of the same cluster.
func (h *handler) apiTeardown(w http.ResponseWriter, r *http.Request) {
	name := httprouter.ParamsFromContext(r.Context()).ByName("name")
	unlock, err := h.locker.Acquire(r.Context(), name, h.lockTimeout)
	if err == state.ErrClusterBusy {
		h.writeError(w, http.StatusConflict, err)
		return
	} else if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer unlock.Unlock()
	rec, err := h.store.GetCluster(r.Context(), name)
	if err == state.ErrNotFound {
		h.writeError(w, http.StatusNotFound, err)
		return
	} else if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rec.Handle != nil {
		p, err := h.provisionerFor(rec.Handle)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
		identity := cloud.ClusterIdentity{DisplayName: rec.Name, NameOnCloud: rec.Handle.NameOnCloud}
		if err := p.TeardownCluster(r.Context(), identity, rec.Handle.LaunchedSpec.Region); err != nil {
			h.writeError(w, http.StatusBadGateway, err)
			return
		}
	}
	if err := h.store.DeleteCluster(r.Context(), name); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.runnerCache.Invalidate(name)
	h.writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

// apiForceUnlock clears a cluster's provisioning lock after an
// operator has confirmed the holder is gone.
func (h *handler) apiForceUnlock(w http.ResponseWriter, r *http.Request) {
	name := httprouter.ParamsFromContext(r.Context()).ByName("name")
	if err := h.locker.ForceUnlock(r.Context(), name); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger.WithField("Cluster", name).Warn("lock forcibly released")
	h.writeJSON(w, http.StatusOK, map[string]string{"unlocked": name})
}
