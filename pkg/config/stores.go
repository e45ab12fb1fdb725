package config

import (
	"context"
	"fmt"

	"github.com/marmos91/dittoweb/internal/logger"
	"github.com/marmos91/dittoweb/pkg/store/credential"
	"github.com/marmos91/dittoweb/pkg/store/credential/badger"
	"github.com/marmos91/dittoweb/pkg/store/credential/memory"
	"github.com/mitchellh/mapstructure"
)

// memoryYAMLConfig is the credentials.memory section.
type memoryYAMLConfig struct {
	// Users maps usernames to plaintext passwords, hashed when seeded
	Users map[string]string `mapstructure:"users"`
}

// CreateCredentialStore creates a credential store based on configuration.
//
// The Type field selects the implementation; its type-specific section is
// decoded with mapstructure and passed to the store's constructor.
//
// Supported types:
//   - "memory": pkg/store/credential/memory (lost on restart)
//   - "badger": pkg/store/credential/badger (persistent)
func CreateCredentialStore(ctx context.Context, cfg *CredentialsConfig) (credential.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.NewMemoryStore(), nil
	case "badger":
		return createBadgerCredentialStore(ctx, cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown credential store type: %q", cfg.Type)
	}
}

// createBadgerCredentialStore opens a BadgerDB credential store.
func createBadgerCredentialStore(ctx context.Context, options map[string]any) (credential.Store, error) {
	var storeCfg badger.BadgerStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger credential store config: %w", err)
	}

	if storeCfg.DBPath == "" && !storeCfg.InMemory {
		return nil, fmt.Errorf("badger credential store: db_path is required")
	}

	store, err := badger.NewBadgerStore(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger credential store: %w", err)
	}

	return store, nil
}

// CreateCredentialPool creates the configured store, opens the handle pool on it
// and seeds the users listed under credentials.memory.
//
// Closing the pool does not close the store; the store is returned for the
// caller to close after the pool.
func CreateCredentialPool(ctx context.Context, cfg *CredentialsConfig) (*credential.Pool, credential.Store, error) {
	store, err := CreateCredentialStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	pool, err := credential.NewPool(ctx, store, credential.PoolConfig{
		Size:           cfg.PoolSize,
		AcquireTimeout: cfg.AcquireTimeout,
		HashCost:       cfg.HashCost,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to create credential pool: %w", err)
	}

	if cfg.Type == "memory" {
		var memCfg memoryYAMLConfig
		if err := mapstructure.Decode(cfg.Memory, &memCfg); err != nil {
			_ = pool.Close()
			_ = store.Close()
			return nil, nil, fmt.Errorf("failed to decode memory credential store config: %w", err)
		}

		seeded, err := credential.Seed(ctx, pool, memCfg.Users)
		if err != nil {
			_ = pool.Close()
			_ = store.Close()
			return nil, nil, fmt.Errorf("failed to seed users: %w", err)
		}
		if seeded > 0 {
			logger.Info("Seeded %d user(s) into the memory credential store", seeded)
		}
	}

	logger.Info("Credential store: type=%s pool_size=%d", cfg.Type, pool.Size())
	return pool, store, nil
}
