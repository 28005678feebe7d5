package persistence

import (
	"context"

	"github.com/parleychat/parley/config"
	"github.com/parleychat/parley/globals"
)

// NewPersister creates the storage backend selected by the configuration:
// "sqlite" and "postgres" via gorm, "buntdb" via the file-backed store. When
// a Redis address is configured the backend is wrapped with the
// recent-history cache. Returns nil (no error) when persistence is not
// configured.
func NewPersister(cfg *config.Config) (Persister, error) {
	var p Persister
	var err error
	switch cfg.PersistenceConfig.Type {
	case "buntdb":
		p, err = NewBuntPersister(cfg)
	case "sqlite", "postgres":
		p, err = NewGormPersister(cfg)
	default:
		return nil, nil
	}
	if err != nil || p == nil {
		return nil, err
	}
	if addr := cfg.PersistenceConfig.RedisAddr; addr != "" {
		cache, err := ConnectRedis(context.Background(), addr)
		if err != nil {
			globals.AppLogger.Warn("redis cache unavailable, continuing without", "error", err)
			return p, nil
		}
		p = NewCachingPersister(p, cache)
	}
	return p, nil
}
