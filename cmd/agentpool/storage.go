package main

import (
	"os"
	"path/filepath"
	"strings"

	agentstore "github.com/kandev/agentpool/internal/agent/store"
	"github.com/kandev/agentpool/internal/common/config"
	"github.com/kandev/agentpool/internal/db"
	hoststore "github.com/kandev/agentpool/internal/host/store"
	"github.com/kandev/agentpool/internal/secrets"
)

// Stores groups the repositories sharing one database pool.
type Stores struct {
	Agents  agentstore.Repository
	Hosts   hoststore.Repository
	Secrets secrets.Store
}

func provideStores(cfg *config.Config) (*Stores, func() error, error) {
	pool, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (*Stores, func() error, error) {
		_ = pool.Close()
		return nil, nil, err
	}

	agents, err := agentstore.NewSQLStore(pool)
	if err != nil {
		return fail(err)
	}
	hosts, err := hoststore.NewSQLStore(pool)
	if err != nil {
		return fail(err)
	}
	keys, err := secrets.NewMasterKeyProvider(expandHome(cfg.Secrets.DataDir))
	if err != nil {
		return fail(err)
	}
	secretStore, err := secrets.Provide(pool, keys)
	if err != nil {
		return fail(err)
	}

	return &Stores{Agents: agents, Hosts: hosts, Secrets: secretStore}, pool.Close, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
