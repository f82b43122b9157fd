package main

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"modernvpn/pkg/consul"
	"modernvpn/pkg/db"
	"modernvpn/pkg/store"
)

type storeConfig struct {
	Kind         string
	SQLitePath   string
	MySQLDSN     string
	ConsulAddr   string
	ConsulToken  string
	ConsulPrefix string
}

// openStore builds the assignment store. The mysql backend also returns the
// gorm handle, which the user routes share. close releases the backend.
func openStore(ctx context.Context, cfg storeConfig) (store.AssignmentStore, *gorm.DB, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Kind {
	case "memory":
		return store.NewMemoryStore(), nil, noop, nil
	case "sqlite":
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, nil, s.Close, nil
	case "mysql":
		gdb, err := db.Open(cfg.MySQLDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, nil, nil, err
		}
		return db.NewAssignmentStore(gdb), gdb, sqlDB.Close, nil
	case "consul":
		s, err := consul.NewStore(consul.Config{
			Address: cfg.ConsulAddr,
			Token:   cfg.ConsulToken,
			Prefix:  cfg.ConsulPrefix,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return s, nil, noop, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported store type: %s", cfg.Kind)
	}
}
