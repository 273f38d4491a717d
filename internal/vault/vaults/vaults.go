// Package vaults opens configured vault backends and assembles them into an
// aggregator. The backend set is closed; dispatch is a plain switch over the
// vault kind.
package vaults

import (
	"context"
	"fmt"
	"log/slog"

	"capstan/internal/vault"
	"capstan/internal/vault/apivault"
	"capstan/internal/vault/httpvault"
	"capstan/internal/vault/mysqlvault"
	"capstan/internal/vault/sqlitevault"
)

// Spec is one configured vault entry, decoupled from the config package so
// tests and commands can build them directly.
type Spec struct {
	Name   string
	Kind   vault.Kind
	NoPush bool

	// Path is the database file for sqlite vaults.
	Path string
	// DSN is the go-sql-driver connection string for mysql vaults.
	DSN string
	// URI is the endpoint for http and api vaults.
	URI string

	Username string
	Password string
	Token    string
}

// Open builds the backend a spec describes.
func Open(ctx context.Context, spec Spec) (vault.Vault, error) {
	switch spec.Kind {
	case vault.KindSQLite:
		return sqlitevault.Open(spec.Name, spec.Path, spec.NoPush)
	case vault.KindMySQL:
		return mysqlvault.Open(ctx, spec.Name, spec.DSN, spec.NoPush)
	case vault.KindHTTP:
		return httpvault.New(spec.Name, spec.URI, spec.Username, spec.Password, spec.NoPush), nil
	case vault.KindAPI:
		return apivault.New(spec.Name, spec.URI, spec.Token, spec.NoPush), nil
	default:
		return nil, fmt.Errorf("unknown vault kind %q", spec.Kind)
	}
}

// Load opens every spec in order and returns an aggregator for the service.
// A vault that fails to open is logged and skipped so one broken backend
// does not take the rest down.
func Load(ctx context.Context, service string, specs []Spec, logger *slog.Logger) (*vault.Aggregator, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	agg := vault.NewAggregator(service, logger)
	for _, spec := range specs {
		v, err := Open(ctx, spec)
		if err != nil {
			logger.Warn("skipping vault",
				"vault", spec.Name,
				"kind", spec.Kind,
				"error", err)
			continue
		}
		agg.Load(v)
		logger.Info("loaded vault", "vault", spec.Name, "kind", spec.Kind)
	}
	return agg, nil
}
