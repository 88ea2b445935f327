package api

import (
	"context"

	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/push"
	"github.com/ingestrelay/ingestrelay/internal/storage"
)

type (
	// Pusher stages pushed documents. *push.Service implements it.
	Pusher interface {
		Accept(ctx context.Context, connectorID, key string, body []byte, contentType string) (*push.Result, error)
	}

	// ConnectorFinder resolves connector ids. *connector.Catalog implements it.
	ConnectorFinder interface {
		Find(id string) (string, *connector.Config, error)
	}

	// RunHistory reads recorded runs. *storage.SyncStore implements it.
	RunHistory interface {
		Run(ctx context.Context, runID string) (*storage.RunRecord, error)
		RecentRuns(ctx context.Context, connectorID string, limit int) ([]*storage.RunRecord, error)
	}

	// HealthChecker reports whether a backend can serve requests.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}
)
