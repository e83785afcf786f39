package cache

import (
	"fmt"

	"github.com/openmarketing/harrier/internal/domain"
)

// New creates a cache based on configuration. Memory gives a local LRU,
// redis gives a shared cache for multi-node deployments.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}
