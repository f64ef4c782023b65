package storage

import (
	"context"
	"fmt"

	"github.com/smarthealth/auditchain/internal/chain"
	"github.com/smarthealth/auditchain/internal/config"
)

// Backend is the method set every chain store provides.
type Backend interface {
	Latest(ctx context.Context) (*chain.Block, error)
	Insert(ctx context.Context, b *chain.Block) error
	Iterate(ctx context.Context, fn func(*chain.Block) error) error
	Find(ctx context.Context, filter chain.Filter) ([]*chain.Block, error)
	Count(ctx context.Context, filter chain.Filter) (int64, error)
	ActionHistogram(ctx context.Context) (map[string]int64, error)
	Close(ctx context.Context) error
}

var (
	_ Backend = (*BoltStore)(nil)
	_ Backend = (*MongoStore)(nil)
	_ Backend = (*PostgresStore)(nil)
)

// Open connects the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	var (
		backend Backend
		err     error
	)

	switch cfg.Driver {
	case config.DriverMongo:
		backend, err = OpenMongo(ctx, MongoConfig{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			Timeout:    cfg.Mongo.Timeout,
		})
	case config.DriverBolt:
		backend, err = NewBoltStore(cfg.Bolt.Path)
	case config.DriverPostgres:
		backend, err = OpenPostgres(ctx, PostgresConfig{
			URL:      cfg.Postgres.URL,
			MaxConns: cfg.Postgres.MaxConns,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	return backend, nil
}
