// Package cache stores read-only tool results in a bbolt file. Each
// credential fingerprint has its own bucket so a mutation can clear
// exactly the results it may have made stale.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// cacheDirPerm is the permission mode for the cache directory.
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the cache database file.
	cacheFilePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second
)

var bucketPrefix = []byte("fp:")

func fingerprintBucket(fingerprint string) []byte {
	return append(append([]byte(nil), bucketPrefix...), fingerprint...)
}

// entryKey returns the SHA-256 hex digest of a cache key. Keys embed
// tool arguments and can exceed what bbolt accepts.
func entryKey(key string) []byte {
	h := sha256.Sum256([]byte(key))
	dst := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(dst, h[:])

	return dst
}

type entry struct {
	StoredAt int64           `json:"stored_at"`
	Value    json.RawMessage `json:"value"`
}

// Cache is a TTL cache over a bbolt database.
type Cache struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

// Open opens or creates the cache file at path.
func Open(path string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns a live entry. Expired entries are treated as misses and
// left for Purge.
func (c *Cache) Get(fingerprint, key string) ([]byte, bool) {
	var out []byte

	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(fingerprintBucket(fingerprint))
		if b == nil {
			return nil
		}

		v := b.Get(entryKey(key))
		if v == nil {
			return nil
		}

		var e entry
		if err := json.Unmarshal(v, &e); err != nil {
			return nil
		}

		if c.expired(e) {
			return nil
		}

		out = append([]byte(nil), e.Value...)

		return nil
	})

	return out, out != nil
}

// Put stores value, which must be valid JSON or empty.
func (c *Cache) Put(fingerprint, key string, value []byte) error {
	if len(value) == 0 {
		value = []byte("null")
	}

	data, err := json.Marshal(entry{StoredAt: c.now().UnixNano(), Value: value})
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(fingerprintBucket(fingerprint))
		if err != nil {
			return err
		}

		return b.Put(entryKey(key), data)
	})
}

// Invalidate drops every entry for fingerprint.
func (c *Cache) Invalidate(fingerprint string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(fingerprintBucket(fingerprint))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}

		return err
	})
}

// Purge deletes expired entries and empty buckets. It returns the
// number of entries removed.
func (c *Cache) Purge() (int, error) {
	removed := 0

	err := c.db.Update(func(tx *bolt.Tx) error {
		var empty [][]byte

		err := tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if !bytes.HasPrefix(name, bucketPrefix) {
				return nil
			}

			var stale [][]byte

			err := b.ForEach(func(k, v []byte) error {
				var e entry
				if json.Unmarshal(v, &e) != nil || c.expired(e) {
					stale = append(stale, append([]byte(nil), k...))
				}

				return nil
			})
			if err != nil {
				return err
			}

			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}

			removed += len(stale)

			if k, _ := b.Cursor().First(); k == nil {
				empty = append(empty, append([]byte(nil), name...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, name := range empty {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		return nil
	})

	return removed, err
}

func (c *Cache) expired(e entry) bool {
	return c.now().Sub(time.Unix(0, e.StoredAt)) >= c.ttl
}

// RunPurger purges on every tick until ctx is cancelled. It always
// returns nil so it can run directly in an errgroup.
func (c *Cache) RunPurger(ctx context.Context, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := c.Purge()
			if err != nil {
				logger.Warn("purging result cache", slog.String("error", err.Error()))
				continue
			}

			if n > 0 {
				logger.Debug("purged result cache", slog.Int("entries", n))
			}
		}
	}
}
