package vectorstore

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
)

// Opened is a store plus whatever must be released when the caller is done
type Opened struct {
	Store
	close func()
}

// Close releases connections held by the store
func (o *Opened) Close() {
	if o.close != nil {
		o.close()
	}
}

// Open builds the store selected by cfg. sqlDB backs the sqlite store and may
// be nil for the other backends.
func Open(ctx context.Context, cfg *am.Config, sqlDB *sql.DB, log *zap.SugaredLogger) (*Opened, error) {
	collection := cfg.GetCollection()
	switch cfg.VectorStore.Backend {
	case BackendMemory:
		return &Opened{Store: NewMemory()}, nil
	case "", BackendSQLite:
		if sqlDB == nil {
			return nil, errors.NewInvalidRequestError("sqlite vector store needs a database")
		}
		return &Opened{Store: NewSQLite(sqlDB, collection, log)}, nil
	case BackendQdrant:
		return &Opened{Store: NewQdrant(QdrantConfig{
			URL:        cfg.VectorStore.Qdrant.URL,
			APIKey:     cfg.VectorStore.Qdrant.APIKey,
			Collection: collection,
			Logger:     log,
		})}, nil
	case BackendPgvector:
		store, pool, err := OpenPgvector(ctx, cfg.VectorStore.Postgres.DSN, collection, log)
		if err != nil {
			return nil, err
		}
		return &Opened{Store: store, close: pool.Close}, nil
	}
	return nil, errors.WithHint(
		errors.NewInvalidRequestError("unknown vector store backend: %s", cfg.VectorStore.Backend),
		"use one of: memory, sqlite, qdrant, pgvector",
	)
}
