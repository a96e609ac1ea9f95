// Package background runs the long-lived loops beside the scheduler:
// self-repair, session pruning, the routine engine, the heartbeat, and
// config reload. All are cooperative and stop on the shared context.
package background

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danielsimonjr/ironclaw/internal/agent"
	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

// Runner supervises the background tasks.
type Runner struct {
	cfg       *config.Config
	store     store.Store
	agent     *agent.Agent
	workspace *workspace.Workspace
	watcher   *config.Watcher
	userID    string
}

// NewRunner wires the tasks.
func NewRunner(cfg *config.Config, st store.Store, ag *agent.Agent,
	ws *workspace.Workspace, watcher *config.Watcher, userID string) *Runner {
	return &Runner{cfg: cfg, store: st, agent: ag, workspace: ws, watcher: watcher, userID: userID}
}

// Run blocks until ctx is cancelled; every loop honors the shared
// shutdown signal.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.selfRepairLoop(gctx) })
	g.Go(func() error { return r.pruneLoop(gctx) })
	g.Go(func() error { return r.routineLoop(gctx) })
	if r.cfg.Heartbeat.Enabled {
		g.Go(func() error { return r.heartbeatLoop(gctx) })
	}
	if r.watcher != nil {
		g.Go(func() error { return r.watcher.Run(gctx) })
		g.Go(func() error { return r.reloadLoop(gctx) })
	}
	g.Go(func() error { return r.reembedLoop(gctx) })

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// reloadLoop applies hot-reloadable fields when the watcher reports a
// change.
func (r *Runner) reloadLoop(ctx context.Context) error {
	updates := r.watcher.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg := <-updates:
			r.cfg.Heartbeat = cfg.Heartbeat
			r.cfg.Agent = cfg.Agent
			r.cfg.Safety.MaxOutputLength = cfg.Safety.MaxOutputLength
			logging.Boot("hot-reloadable config fields applied")
		}
	}
}

// reembedLoop backfills embeddings for chunks written while the engine
// was unavailable.
func (r *Runner) reembedLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.workspace.ReembedMissing(ctx, r.userID, 64)
			if err != nil {
				logging.Get(logging.CategoryWorkspace).Debug("reembed: %v", err)
			} else if n > 0 {
				logging.Get(logging.CategoryWorkspace).Info("backfilled %d embeddings", n)
			}
		}
	}
}
