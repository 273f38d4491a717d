package vault

import (
	"context"
	"fmt"
	"strings"

	"capstan/internal/keys"
)

// Kind names a supported vault backend. The set is closed; dispatch happens
// at compile time in Open.
type Kind string

const (
	KindSQLite Kind = "sqlite"
	KindMySQL  Kind = "mysql"
	KindHTTP   Kind = "http"
	KindAPI    Kind = "api"
)

// ParseKind validates a configured kind string.
func ParseKind(s string) (Kind, error) {
	switch kind := Kind(strings.ToLower(s)); kind {
	case KindSQLite, KindMySQL, KindHTTP, KindAPI:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown vault kind %q", s)
	}
}

// Vault is one named key store, scoped per streaming service tag. Writes to
// a vault without permission return ErrWriteDenied rather than panicking or
// aborting; the aggregator absorbs it.
type Vault interface {
	Name() string
	Kind() Kind

	// ReadOnly reports the no_push flag: the vault never receives
	// fanned-out writes.
	ReadOnly() bool

	// Key does a point lookup. A miss returns ("", nil), not an error.
	Key(ctx context.Context, service string, kid keys.KeyID) (keys.ContentKey, error)

	// Keys returns every stored (key ID, content key) pair for a service.
	Keys(ctx context.Context, service string) (map[keys.KeyID]keys.ContentKey, error)

	// AddKey stores one key. Returns false when the key already existed.
	AddKey(ctx context.Context, service string, kid keys.KeyID, key keys.ContentKey) (bool, error)

	// AddKeys stores a batch and returns the number of rows inserted.
	AddKeys(ctx context.Context, service string, batch map[keys.KeyID]keys.ContentKey) (int, error)

	// Services enumerates the service tags the vault holds keys for.
	Services(ctx context.Context) ([]string, error)

	Close() error
}
