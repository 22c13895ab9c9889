// Package runtime wires one node's role-specific components together:
// config, Store, EventBus, Executor, and — for standalone/leader — a
// Processor (plus the Distributor and FollowerRegistry for a leader). A
// follower builds no Processor: it never mounts clientapi, so its Store
// never gains a job of its own to claim; all its work arrives over the
// wire via wireapi.Worker instead. The package owns the scheduled
// maintenance tasks and graceful shutdown.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"

	"frameshift/internal/clientapi"
	"frameshift/internal/config"
	"frameshift/internal/distributor"
	"frameshift/internal/eventbus"
	"frameshift/internal/httpserver"
	"frameshift/internal/localexec"
	"frameshift/internal/processor"
	"frameshift/internal/remoteexec"
	"frameshift/internal/secrets"
	"frameshift/internal/store"
	"frameshift/internal/wireapi"
)

// NodeRuntime owns every long-lived component for one process.
type NodeRuntime struct {
	cfg     *config.Config
	store   *store.Store
	bus     *eventbus.Bus
	proc    *processor.Processor
	dist    *distributor.Distributor
	sched   *gocron.Scheduler
	handler http.Handler
}

// New builds a NodeRuntime for cfg: it opens the Store, resets any jobs left
// processing by an unclean shutdown (standalone/follower only — a leader
// reconciles from follower status instead, never blind-restarts), and wires
// the Processor/Executor/Distributor appropriate to cfg.InstanceType.
func New(ctx context.Context, cfg *config.Config) (*NodeRuntime, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: create upload dir: %w", err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: create output dir: %w", err)
	}

	st, err := store.Open(ctx, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("runtime: open store: %w", err)
	}

	if cfg.InstanceType != config.ModeLeader {
		if n, err := st.ResetProcessingJobs(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("runtime: reset processing jobs: %w", err)
		} else if n > 0 {
			log.Warn().Int("count", n).Msg("runtime: reverted processing jobs to pending after restart")
		}
		if err := localexec.CleanupCrashRemnants(cfg.OutputDir); err != nil {
			log.Warn().Err(err).Msg("runtime: cleanup crash remnants")
		}
	}

	sharedToken, err := resolveSharedToken(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("runtime: resolve shared token: %w", err)
	}

	bus := eventbus.New()
	rt := &NodeRuntime{cfg: cfg, store: st, bus: bus, sched: gocron.NewScheduler(time.UTC)}

	switch cfg.InstanceType {
	case config.ModeStandalone:
		exec := localexec.New()
		rt.proc = processor.New(st, exec, bus, "standalone", processor.WithCheckInterval(cfg.CheckInterval))
		rt.handler = httpserver.New(httpserver.Options{
			MountClientAPI: func(r chi.Router) {
				clientapi.Mount(r, st, bus, rt.proc, cfg.FrameShiftHome)
			},
		})

	case config.ModeFollower:
		// A follower never mounts clientapi, so its Store never gains a
		// pending job for a Processor to claim — all work arrives
		// synchronously through Worker.Run, dispatched by the leader. No
		// Processor is built here; see the runtime package doc and
		// DESIGN.md for why the two roles diverge.
		exec := localexec.New()
		id := followerID()
		worker := wireapi.NewWorker(id, exec, cfg.LeaderURL, sharedToken)
		rt.handler = httpserver.New(httpserver.Options{
			MountWireAPI: func(r chi.Router) {
				wireapi.MountFollower(r, worker, sharedToken)
			},
		})

	case config.ModeLeader:
		dist := distributor.New(cfg.FollowerURLs, sharedToken, st)
		rexec := remoteexec.New(dist, sharedToken)
		rt.dist = dist
		rt.proc = processor.NewLeader(st, rexec, bus, processor.WithCheckInterval(cfg.CheckInterval))
		rt.handler = httpserver.New(httpserver.Options{
			MountClientAPI: func(r chi.Router) {
				clientapi.Mount(r, st, bus, rt.proc, cfg.FrameShiftHome)
			},
			MountWireAPI: func(r chi.Router) {
				wireapi.MountLeader(r, dist, sharedToken)
			},
		})

	default:
		st.Close()
		return nil, fmt.Errorf("runtime: unknown instance type %q", cfg.InstanceType)
	}

	rt.scheduleTasks()
	return rt, nil
}

// resolveSharedToken persists cfg.SharedToken at rest via the secrets
// service, encrypted under the node's master key, so the value on disk is
// never plaintext even though it arrives over the environment in plaintext.
// The env value always wins on boot: it is the operator's source of truth,
// and the encrypted copy exists so other in-process readers (diagnostics,
// a future admin surface) never need the plaintext env var again.
func resolveSharedToken(ctx context.Context, cfg *config.Config, st *store.Store) (string, error) {
	if cfg.SharedToken == "" {
		return "", nil
	}
	mgr, err := secrets.Load(ctx, st.DB())
	if err != nil {
		return "", err
	}
	svc := secrets.NewService(st.DB(), mgr)
	if err := svc.Set(ctx, "shared_token", []byte(cfg.SharedToken)); err != nil {
		return "", err
	}
	return cfg.SharedToken, nil
}

func followerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "follower"
	}
	return host
}

// scheduleTasks wires the periodic maintenance jobs every role needs (stale
// job reclaim, configuration blob GC) plus the leader-only follower sync.
func (rt *NodeRuntime) scheduleTasks() {
	rt.sched.Every(uint64(rt.cfg.StaleWorkerTimeout.Seconds())).Seconds().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := rt.store.ReleaseStaleJobs(ctx, rt.cfg.StaleWorkerTimeout)
		if err != nil {
			log.Error().Err(err).Msg("runtime: release stale jobs")
			return
		}
		if n > 0 {
			log.Warn().Int("count", n).Msg("runtime: reclaimed stale jobs")
			rt.bus.Publish(eventbus.EventStatusCounts, nil)
		}
	})

	rt.sched.Every(1).Day().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := rt.store.GCConfigurationBlobs(ctx, rt.cfg.ConfigBlobRetention); err != nil {
			log.Error().Err(err).Msg("runtime: gc configuration blobs")
		}
	})

	if rt.dist != nil {
		rt.sched.Every(4).Hours().Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := rt.dist.SyncWithFollowers(ctx); err != nil {
				log.Error().Err(err).Msg("runtime: sync with followers")
			}
		})
		rt.sched.Every(30).Seconds().Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			rt.dist.CheckDeadFollowers(ctx)
		})
	}
}

// Run starts the scheduler, processor, and HTTP server, blocking until ctx
// is cancelled, then shuts every component down in dependency order.
func (rt *NodeRuntime) Run(ctx context.Context) error {
	rt.sched.StartAsync()
	// Stale-job reset already ran once in New, before the Processor existed.
	// rt.proc is nil for a follower (see New) — it has no local job loop.
	if rt.proc != nil {
		rt.proc.Start(ctx, false)
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", rt.cfg.Port), Handler: rt.handler}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		rt.shutdown(srv)
		return err
	case <-ctx.Done():
		rt.shutdown(srv)
		return nil
	}
}

func (rt *NodeRuntime) shutdown(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("runtime: http shutdown")
	}
	rt.sched.Stop()
	if rt.proc != nil {
		rt.proc.Stop()
	}
	if err := rt.store.Close(); err != nil {
		log.Error().Err(err).Msg("runtime: close store")
	}
}
