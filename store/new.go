package store

import (
	"fmt"

	"github.com/hooktrap/hooktrap/clients"
	"github.com/hooktrap/hooktrap/config"
)

// New builds the store described by cfg.
func New(cfg config.Storage) (Store, error) {
	switch cfg.Mode {
	case "file_system":
		return NewFileSystem(cfg.FileSystem.Dir)
	case "redis":
		client, err := clients.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedis(client, 0), nil
	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.Mode)
	}
}
