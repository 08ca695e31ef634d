package main

import (
	"context"
	"log"

	"github.com/calder-io/imsync/internal/config"
	"github.com/calder-io/imsync/internal/engine"
	"github.com/calder-io/imsync/internal/graph"
	"github.com/calder-io/imsync/internal/identity"
	"github.com/calder-io/imsync/internal/remote"
	"github.com/calder-io/imsync/internal/staging"
	"github.com/calder-io/imsync/internal/storage"
	"github.com/calder-io/imsync/internal/tokens"
)

// stores bundles the shared persistence layer.
type stores struct {
	db       *storage.DB
	staging  *staging.Store
	graph    *graph.Store
	ledger   *identity.Ledger
	resolver *identity.Resolver
}

// openStores opens the sync database and initializes every schema.
func openStores(ctx context.Context, path string, logger *log.Logger) (*stores, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}

	st := &stores{
		db:      db,
		staging: staging.NewStore(db),
		graph:   graph.NewStore(db),
		ledger:  identity.NewLedger(db),
	}
	st.resolver = identity.NewResolver(st.ledger, st.graph, logger)

	if err := storage.InitSchemas(ctx, st.staging, st.graph, st.ledger); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// buildProjects turns the configuration into wired engine projects.
func buildProjects(cfg *config.Config, st *stores) []engine.Project {
	projects := make([]engine.Project, 0, len(cfg.Projects))
	for _, pc := range cfg.Projects {
		provider := tokens.NewStatic()
		provider.SetService(pc.ID, pc.ServiceToken)
		for userID, token := range pc.UserTokens {
			provider.SetUser(pc.ID, userID, token)
		}

		projects = append(projects, engine.Project{
			ID:           pc.ID,
			Scope:        pc.Scope(),
			Store:        st.staging,
			Graph:        st.graph,
			Resolver:     st.resolver,
			Connector:    remote.NewClient(pc.BaseURL, pc.Repo, pc.ServiceToken, nil),
			Tokens:       provider,
			MaxRequests:  pc.MaxRequests,
			Reserve:      pc.Reserve,
			MaxMutations: pc.MaxMutations,
		})
	}
	return projects
}

func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}
