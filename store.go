package passim

import (
	"context"
	"fmt"

	"github.com/poiesic/passim/config"
	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/storage"
	"github.com/poiesic/passim/storage/badger"
	"github.com/poiesic/passim/storage/postgres"
)

// store hides which backend holds the corpora.
type store interface {
	OpenCorpus(ctx context.Context, sel storage.Selector) (storage.Corpus, error)
	CreateCorpus(ctx context.Context, sel storage.Selector, embeddingModel string) (storage.Corpus, error)
	ListManifests(ctx context.Context) ([]*core.Manifest, error)
	Close() error
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store, error) {
	switch cfg.Driver {
	case config.DriverBadger:
		path := cfg.Path
		if cfg.InMemory {
			path = ""
		}
		backend, err := badger.OpenBackend(path, cfg.InMemory)
		if err != nil {
			return nil, err
		}
		return &badgerStore{backend: backend}, nil

	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.DSN, postgres.PoolConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := db.InitSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return &postgresStore{db: db}, nil

	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}

type badgerStore struct {
	backend *badger.Backend
}

func (s *badgerStore) OpenCorpus(ctx context.Context, sel storage.Selector) (storage.Corpus, error) {
	return badger.OpenCorpus(ctx, s.backend, sel)
}

func (s *badgerStore) CreateCorpus(ctx context.Context, sel storage.Selector, embeddingModel string) (storage.Corpus, error) {
	return badger.CreateCorpus(ctx, s.backend, sel, embeddingModel)
}

func (s *badgerStore) ListManifests(ctx context.Context) ([]*core.Manifest, error) {
	return s.backend.ListManifests(ctx)
}

func (s *badgerStore) Close() error {
	return s.backend.Close()
}

type postgresStore struct {
	db *postgres.DB
}

func (s *postgresStore) OpenCorpus(ctx context.Context, sel storage.Selector) (storage.Corpus, error) {
	return postgres.OpenCorpus(ctx, s.db, sel)
}

func (s *postgresStore) CreateCorpus(ctx context.Context, sel storage.Selector, embeddingModel string) (storage.Corpus, error) {
	return postgres.CreateCorpus(ctx, s.db, sel, embeddingModel)
}

func (s *postgresStore) ListManifests(ctx context.Context) ([]*core.Manifest, error) {
	return s.db.ListManifests(ctx)
}

func (s *postgresStore) Close() error {
	return s.db.Close()
}
