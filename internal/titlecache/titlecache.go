// Package titlecache is a badger-backed TTL cache of per-service title
// metadata. Services resolve title listings through it to avoid refetching
// the same catalog data on every run. Freshness is tracked inside the stored
// entry rather than by badger's own expiry: badger holds entries for a longer
// retention window, so an entry past its freshness deadline reads as a miss
// but can still serve as a fallback when a live fetch fails.
package titlecache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	// DefaultTTL is how long a cached title listing stays fresh.
	DefaultTTL = 6 * time.Hour

	// Stale entries are retained past their freshness deadline so they can
	// back a failed live fetch, up to retentionFactor times the TTL and
	// never less than minRetention.
	retentionFactor = 4
	minRetention    = time.Hour

	deadlineSize = 8
)

// ErrMiss is returned when no fresh entry exists for a key.
var ErrMiss = errors.New("title cache miss")

// Cache wraps one badger database shared by all services.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// Open opens or creates the cache database at dir.
func Open(dir string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open title cache: %w", err)
	}
	return &Cache{db: db, ttl: ttl}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) retention() time.Duration {
	r := c.ttl * retentionFactor
	if r < minRetention {
		r = minRetention
	}
	return r
}

// Key derives the cache key for a title lookup. The title ID is hashed so
// URLs and other awkward identifiers produce fixed-size keys; region and
// account scope the entry so geo- or account-specific listings never bleed
// into each other.
func Key(service, titleID, region, accountHash string) []byte {
	titleHash := sha256.Sum256([]byte(titleID))
	parts := []string{"titles", strings.ToLower(service), hex.EncodeToString(titleHash[:8])}
	if region != "" {
		parts = append(parts, strings.ToLower(region))
	}
	if accountHash != "" {
		if len(accountHash) > 8 {
			accountHash = accountHash[:8]
		}
		parts = append(parts, accountHash)
	}
	return []byte(strings.Join(parts, "_"))
}

// read returns an entry's payload and whether its freshness deadline has
// passed. Entries too short to carry a deadline read as misses.
func (c *Cache) read(key []byte) (payload []byte, fresh bool, err error) {
	var raw []byte
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMiss
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if len(raw) < deadlineSize {
		return nil, false, ErrMiss
	}
	deadline := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:deadlineSize])))
	return raw[deadlineSize:], time.Now().Before(deadline), nil
}

// Get returns the cached payload for key while it is still fresh, or ErrMiss.
func (c *Cache) Get(key []byte) ([]byte, error) {
	payload, fresh, err := c.read(key)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, ErrMiss
	}
	return payload, nil
}

// Set stores a payload under key. The freshness deadline is encoded ahead of
// the payload; badger's own TTL only bounds the stale-retention window.
func (c *Cache) Set(key, payload []byte) error {
	buf := make([]byte, deadlineSize+len(payload))
	binary.BigEndian.PutUint64(buf, uint64(time.Now().Add(c.ttl).UnixNano()))
	copy(buf[deadlineSize:], payload)
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, buf).WithTTL(c.retention())
		return txn.SetEntry(entry)
	})
}

// Delete removes an entry, for cache resets.
func (c *Cache) Delete(key []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Fetch returns the cached payload when fresh, otherwise calls fetch and
// stores the result. When the live fetch fails and a stale entry is still
// inside the retention window, the stale entry is served and the fetch error
// is dropped.
func (c *Cache) Fetch(key []byte, fetch func() ([]byte, error)) ([]byte, error) {
	stale, fresh, err := c.read(key)
	if err == nil && fresh {
		return stale, nil
	}
	result, fetchErr := fetch()
	if fetchErr != nil {
		if err == nil {
			return stale, nil
		}
		return nil, fetchErr
	}
	if err := c.Set(key, result); err != nil {
		return result, fmt.Errorf("store title cache entry: %w", err)
	}
	return result, nil
}
