package committer

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/hermes-committer/pkg/backend"
	"github.com/hashicorp-forge/hermes-committer/pkg/backend/algolia"
	"github.com/hashicorp-forge/hermes-committer/pkg/backend/bleve"
	"github.com/hashicorp-forge/hermes-committer/pkg/backend/solr"
)

// BackendFactory builds the index backend from its configuration block.
type BackendFactory func(cfg BackendConfig, logger hclog.Logger) (backend.Backend, error)

// DefaultBackendFactory selects the backend by its block label.
func DefaultBackendFactory(cfg BackendConfig, logger hclog.Logger) (backend.Backend, error) {
	typ := cfg.Type
	if typ == "" {
		typ = DefaultBackendType
	}

	switch typ {
	case "solr":
		b, err := solr.New(solr.Config{
			Endpoint:     cfg.Endpoint,
			Timeout:      cfg.TimeoutDuration(),
			Params:       cfg.Params,
			DeleteParams: cfg.DeleteParams,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize solr backend: %w", err)
		}
		logger.Info("initialized index backend", "backend", "solr", "endpoint", cfg.Endpoint)
		return b, nil

	case "bleve":
		b, err := bleve.New(bleve.Config{
			Path:   cfg.Endpoint,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bleve backend: %w", err)
		}
		logger.Info("initialized index backend", "backend", "bleve", "path", cfg.Endpoint)
		return b, nil

	case "algolia":
		b, err := algolia.New(algolia.Config{
			AppID:        cfg.AppID,
			APIKey:       cfg.APIKey,
			IndexName:    cfg.IndexName,
			Timeout:      cfg.TimeoutDuration(),
			WaitForTasks: cfg.WaitForTasks,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize algolia backend: %w", err)
		}
		logger.Info("initialized index backend", "backend", "algolia", "index", cfg.IndexName)
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported backend: %s", typ)
	}
}
