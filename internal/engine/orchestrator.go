// Package engine ties the sync components into per-project cycles and drives
// them on a schedule.
package engine

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calder-io/imsync/internal/budget"
	"github.com/calder-io/imsync/internal/graph"
	"github.com/calder-io/imsync/internal/identity"
	"github.com/calder-io/imsync/internal/incoming"
	"github.com/calder-io/imsync/internal/notify"
	"github.com/calder-io/imsync/internal/outgoing"
	"github.com/calder-io/imsync/internal/remote"
	"github.com/calder-io/imsync/internal/staging"
	"github.com/calder-io/imsync/internal/tokens"
)

// projectParallelism bounds how many projects sync concurrently within one
// cycle. Each project has its own budget, so they do not contend.
const projectParallelism = 2

// Project is the full wiring of one sync target.
type Project struct {
	ID    string
	Scope string // remote tracker identity, used as the correlation scope

	Store     *staging.Store
	Graph     *graph.Store
	Resolver  *identity.Resolver
	Connector remote.Connector
	Tokens    tokens.Provider

	// MaxRequests and Reserve configure the per-cycle rate-aware budget;
	// MaxRequests of 0 falls back to an unlimited budget.
	MaxRequests int
	Reserve     int

	// MaxMutations is the outgoing safety ceiling, 0 for none.
	MaxMutations int
}

// ProjectResult is the outcome of one project's sync within a cycle.
type ProjectResult struct {
	ProjectID string
	Incoming  incoming.Report
	Outgoing  outgoing.Report
	Err       error
	Duration  time.Duration
}

// CycleResult is the outcome of one whole cycle.
type CycleResult struct {
	StartedAt time.Time
	Duration  time.Duration
	Projects  []ProjectResult
}

// Listener observes cycle progress. All methods may be called from multiple
// goroutines.
type Listener interface {
	CycleStarted(at time.Time)
	ProjectSynced(res ProjectResult)
	CycleCompleted(res CycleResult)
}

// Orchestrator runs sync cycles across configured projects. One project's
// failure is reported and never blocks its siblings.
type Orchestrator struct {
	projects []Project
	sink     notify.Sink
	listener Listener
	logger   *log.Logger
}

// NewOrchestrator creates an orchestrator. A nil logger gets a stderr
// default, a nil sink gets a logging sink, a nil listener is allowed.
func NewOrchestrator(projects []Project, sink notify.Sink, listener Listener, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if sink == nil {
		sink = notify.NewLogSink(logger)
	}
	return &Orchestrator{
		projects: projects,
		sink:     sink,
		listener: listener,
		logger:   logger,
	}
}

// RunCycle syncs every project once and returns the aggregated result.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleResult {
	started := time.Now()
	result := CycleResult{StartedAt: started}
	if o.listener != nil {
		o.listener.CycleStarted(started)
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(projectParallelism)

	for _, project := range o.projects {
		project := project
		g.Go(func() error {
			res := o.syncProject(ctx, project)
			if res.Err != nil {
				o.logger.Printf("project %s: cycle failed: %v", project.ID, res.Err)
				o.sink.Notify(&notify.Error{
					Code:    notify.CodeReconcileFailure,
					Project: project.ID,
					IMS:     project.Scope,
					Message: "sync cycle failed",
					Err:     res.Err,
				})
			}
			mu.Lock()
			result.Projects = append(result.Projects, res)
			mu.Unlock()
			if o.listener != nil {
				o.listener.ProjectSynced(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(started)
	if o.listener != nil {
		o.listener.CycleCompleted(result)
	}
	return result
}

// syncProject builds the cycle's budget and pipelines and runs incoming then
// outgoing for one project.
func (o *Orchestrator) syncProject(ctx context.Context, project Project) ProjectResult {
	started := time.Now()
	res := ProjectResult{ProjectID: project.ID}

	var b budget.Budget
	if project.MaxRequests > 0 {
		b = budget.NewRateAware(project.MaxRequests, project.Reserve)
	} else {
		b = budget.NewUnlimited()
	}

	serviceToken, err := project.Tokens.Service(ctx, project.ID)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(started)
		return res
	}

	in := incoming.New(incoming.Config{
		Store:     project.Store,
		Graph:     project.Graph,
		Resolver:  project.Resolver,
		Tracker:   project.Connector.Tracker(serviceToken),
		Budget:    b,
		Sink:      o.sink,
		Scope:     project.Scope,
		ProjectID: project.ID,
		Logger:    o.logger,
	})
	out := outgoing.New(outgoing.Config{
		Store:        project.Store,
		Graph:        project.Graph,
		Ledger:       project.Resolver.Ledger(),
		Connector:    project.Connector,
		Tokens:       project.Tokens,
		Budget:       b,
		Sink:         o.sink,
		Echo:         in,
		Scope:        project.Scope,
		ProjectID:    project.ID,
		MaxMutations: project.MaxMutations,
		Logger:       o.logger,
	})

	res.Incoming, err = in.Run(ctx)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(started)
		return res
	}
	res.Outgoing, err = out.Run(ctx)
	if err != nil {
		res.Err = err
	}
	res.Duration = time.Since(started)
	return res
}
