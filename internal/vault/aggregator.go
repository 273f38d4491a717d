package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"capstan/internal/keys"
)

// Aggregator holds the ordered vaults loaded for one service. Lookup scans
// in load order and returns the first real key; writes fan out to every
// writable vault, skipping the one a key was just read from.
type Aggregator struct {
	service string
	vaults  []Vault
	logger  *slog.Logger
}

// NewAggregator builds an empty aggregator for a service tag.
func NewAggregator(service string, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{service: service, logger: logger}
}

// Load appends a vault; order of calls is lookup order.
func (a *Aggregator) Load(v Vault) {
	a.vaults = append(a.vaults, v)
}

func (a *Aggregator) Service() string {
	return a.service
}

// Vaults returns the loaded vaults in load order.
func (a *Aggregator) Vaults() []Vault {
	return append([]Vault(nil), a.vaults...)
}

func (a *Aggregator) Len() int {
	return len(a.vaults)
}

// GetKey returns the first non-zero key found for kid, along with the vault
// that served it. A miss returns ("", nil, nil); lookup errors in one vault
// are logged and the scan continues.
func (a *Aggregator) GetKey(ctx context.Context, kid keys.KeyID) (keys.ContentKey, Vault, error) {
	for _, v := range a.vaults {
		key, err := v.Key(ctx, a.service, kid)
		if err != nil {
			a.logger.Warn("vault lookup failed",
				"vault", v.Name(),
				"kid", kid,
				"error", err)
			continue
		}
		if key == "" || key.IsZero() {
			continue
		}
		return key, v, nil
	}
	return "", nil, nil
}

// AddKey writes one key to every vault except excluding and any read-only
// vault. Write-denied and unsupported vaults are absorbed. Returns the count
// of vaults that accepted the write.
func (a *Aggregator) AddKey(ctx context.Context, kid keys.KeyID, key keys.ContentKey, excluding Vault) (int, error) {
	if key == "" || key.IsZero() {
		return 0, fmt.Errorf("%w: kid %s", ErrZeroKey, kid)
	}
	accepted := 0
	for _, v := range a.vaults {
		if v == excluding || v.ReadOnly() {
			continue
		}
		ok, err := v.AddKey(ctx, a.service, kid, key)
		if err != nil {
			if errors.Is(err, ErrWriteDenied) || errors.Is(err, ErrNotSupported) {
				a.logger.Warn("vault rejected write",
					"vault", v.Name(),
					"error", err)
				continue
			}
			a.logger.Warn("vault write failed",
				"vault", v.Name(),
				"kid", kid,
				"error", err)
			continue
		}
		if ok {
			accepted++
		}
	}
	return accepted, nil
}

// AddKeys bulk-writes a key map to every writable vault except excluding.
// Returns the number of vaults (not rows) that processed the batch.
func (a *Aggregator) AddKeys(ctx context.Context, batch map[keys.KeyID]keys.ContentKey, excluding Vault) (int, error) {
	for kid, key := range batch {
		if key == "" || key.IsZero() {
			return 0, fmt.Errorf("%w: kid %s", ErrZeroKey, kid)
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	accepted := 0
	for _, v := range a.vaults {
		if v == excluding || v.ReadOnly() {
			continue
		}
		if _, err := v.AddKeys(ctx, a.service, batch); err != nil {
			if errors.Is(err, ErrWriteDenied) || errors.Is(err, ErrNotSupported) {
				a.logger.Warn("vault rejected batch write",
					"vault", v.Name(),
					"error", err)
				continue
			}
			a.logger.Warn("vault batch write failed",
				"vault", v.Name(),
				"keys", len(batch),
				"error", err)
			continue
		}
		accepted++
	}
	return accepted, nil
}

// Close closes every loaded vault, returning the first error seen.
func (a *Aggregator) Close() error {
	var firstErr error
	for _, v := range a.vaults {
		if err := v.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
