// Package pkgcache materializes function packages on local disk. Entries
// are keyed by (functionID, packageHash); a resolved directory stays valid
// for the holder of its lease even while eviction runs, and partial
// extractions never appear under a canonical path.
package pkgcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/heliosfn/helios/internal/fault"
	"github.com/heliosfn/helios/internal/logging"
	"github.com/heliosfn/helios/internal/metrics"
	"github.com/heliosfn/helios/internal/objstore"
)

// Fetcher is the slice of the blob store the cache needs.
type Fetcher interface {
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

// Options tunes the cache.
type Options struct {
	Dir             string
	MaxBytes        int64
	TTL             time.Duration
	MaxFetchRetries int
	SweepInterval   time.Duration
}

type entry struct {
	key      string // functionID/packageHash
	dir      string
	size     int64
	lastUsed time.Time
	refs     int
	doomed   bool // delete when refs drops to zero
}

// Cache is the on-disk package cache.
type Cache struct {
	fetcher Fetcher
	opts    Options

	sf singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	bytes   int64
}

// Lease grants read access to a resolved package directory. Release must be
// called when the invocation finishes; eviction of a leased entry is
// deferred until the last release.
type Lease struct {
	Dir string

	once sync.Once
	rel  func()
}

// Release ends the lease. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(l.rel)
}

// New creates the cache rooted at opts.Dir, adopting any directories a
// previous process left behind and discarding stale staging state.
func New(fetcher Fetcher, opts Options) (*Cache, error) {
	if opts.MaxFetchRetries <= 0 {
		opts.MaxFetchRetries = 3
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	os.RemoveAll(filepath.Join(opts.Dir, stagingDir))
	if err := os.MkdirAll(filepath.Join(opts.Dir, stagingDir), 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	c := &Cache{
		fetcher: fetcher,
		opts:    opts,
		entries: make(map[string]*entry),
	}
	c.loadExisting()
	return c, nil
}

const stagingDir = ".staging"

// loadExisting adopts canonical directories from a previous run. Staging
// leftovers were already removed, so anything present is complete.
func (c *Cache) loadExisting() {
	fns, err := os.ReadDir(c.opts.Dir)
	if err != nil {
		return
	}
	for _, fn := range fns {
		if !fn.IsDir() || fn.Name() == stagingDir {
			continue
		}
		hashes, err := os.ReadDir(filepath.Join(c.opts.Dir, fn.Name()))
		if err != nil {
			continue
		}
		for _, h := range hashes {
			if !h.IsDir() {
				continue
			}
			dir := filepath.Join(c.opts.Dir, fn.Name(), h.Name())
			size := dirSize(dir)
			key := fn.Name() + "/" + h.Name()
			c.entries[key] = &entry{key: key, dir: dir, size: size, lastUsed: time.Now()}
			c.bytes += size
		}
	}
	if len(c.entries) > 0 {
		logging.Op().Info("adopted cached packages", "count", len(c.entries), "bytes", c.bytes)
	}
	metrics.Global().SetCacheSize(c.bytes, len(c.entries))
}

// Resolve returns a lease on the unpacked directory for the package,
// fetching and extracting it if absent. Concurrent resolutions of the same
// key share one materialization.
func (c *Cache) Resolve(ctx context.Context, functionID, packageHash string) (*Lease, error) {
	key := functionID + "/" + packageHash

	if lease := c.tryLease(key); lease != nil {
		metrics.Global().RecordCacheResolution("hit")
		return lease, nil
	}

	_, err, _ := c.sf.Do(key, func() (any, error) {
		// re-check under the flight: another caller may have materialized
		// the entry between our miss and acquiring the flight
		if c.has(key) {
			return nil, nil
		}
		return nil, c.materialize(ctx, functionID, packageHash, key)
	})
	if err != nil {
		metrics.Global().RecordCacheResolution("error")
		return nil, err
	}

	lease := c.tryLease(key)
	if lease == nil {
		// invalidated between materialization and lease
		return nil, fault.Newf(fault.KindPackageMissing, "package %s evicted during resolve", key)
	}
	metrics.Global().RecordCacheResolution("miss")
	return lease, nil
}

func (c *Cache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !e.doomed
}

// tryLease refreshes recency and takes a reference if the entry exists.
func (c *Cache) tryLease(key string) *Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.doomed {
		return nil
	}
	e.lastUsed = time.Now()
	e.refs++
	return &Lease{Dir: e.dir, rel: func() { c.release(e) }}
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	e.refs--
	doomed := e.doomed && e.refs == 0
	c.mu.Unlock()
	if doomed {
		c.removeDir(e)
	}
}

// materialize fetches, verifies and extracts one package under the flight
// lock for its key.
func (c *Cache) materialize(ctx context.Context, functionID, packageHash, key string) error {
	objKey := objstore.PackageKey(functionID, packageHash)

	archive, err := c.fetchWithRetry(ctx, objKey)
	if err != nil {
		metrics.Global().RecordFetch("error")
		return err
	}
	defer os.Remove(archive)
	metrics.Global().RecordFetch("ok")

	sum, err := fileSHA256(archive)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "hash package", err)
	}
	if sum != strings.ToLower(packageHash) {
		// a wrong hash is permanent: retrying fetches the same bytes
		return fault.Newf(fault.KindHashMismatch, "package %s: got sha256 %s", key, sum)
	}

	staging := filepath.Join(c.opts.Dir, stagingDir, uuid.NewString())
	size, err := extractArchive(archive, staging)
	if err != nil {
		os.RemoveAll(staging)
		return err
	}

	canonical := filepath.Join(c.opts.Dir, functionID, packageHash)
	if err := os.MkdirAll(filepath.Dir(canonical), 0o755); err != nil {
		os.RemoveAll(staging)
		return fault.Wrap(fault.KindInternal, "prepare package dir", err)
	}
	if err := os.Rename(staging, canonical); err != nil {
		os.RemoveAll(staging)
		return fault.Wrap(fault.KindInternal, "install package", err)
	}

	c.mu.Lock()
	c.entries[key] = &entry{key: key, dir: canonical, size: size, lastUsed: time.Now()}
	c.bytes += size
	metrics.Global().SetCacheSize(c.bytes, len(c.entries))
	c.mu.Unlock()

	logging.Op().Info("package materialized", "key", key, "bytes", size)
	return nil
}

// fetchWithRetry downloads the archive to a temp file. Transient storage
// failures are retried with jittered backoff; a missing package is not.
func (c *Cache) fetchWithRetry(ctx context.Context, objKey string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxFetchRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		path, err := c.fetchOnce(ctx, objKey)
		if err == nil {
			return path, nil
		}
		if errors.Is(err, fault.ErrPackageMissing) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (c *Cache) fetchOnce(ctx context.Context, objKey string) (string, error) {
	body, _, err := c.fetcher.Get(ctx, objKey)
	if err != nil {
		return "", err
	}
	defer body.Close()

	f, err := os.CreateTemp(filepath.Join(c.opts.Dir, stagingDir), "fetch-*.tgz")
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, "create temp archive", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fault.Wrap(fault.KindStorageUnavailable, "download "+objKey, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fault.Wrap(fault.KindInternal, "close temp archive", err)
	}
	return f.Name(), nil
}

// Invalidate drops every cached package of a function. Entries with active
// leases are doomed and removed on last release.
func (c *Cache) Invalidate(functionID string) {
	prefix := functionID + "/"
	var toRemove []*entry

	c.mu.Lock()
	for key, e := range c.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		delete(c.entries, key)
		c.bytes -= e.size
		if e.refs > 0 {
			e.doomed = true
		} else {
			toRemove = append(toRemove, e)
		}
	}
	metrics.Global().SetCacheSize(c.bytes, len(c.entries))
	c.mu.Unlock()

	for _, e := range toRemove {
		c.removeDir(e)
	}
}

// Run sweeps the cache until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evict()
		}
	}
}

// evict applies the TTL bound and then the size bound, least recently
// resolved first. Leased entries are doomed instead of removed.
func (c *Cache) evict() {
	now := time.Now()
	var toRemove []*entry

	c.mu.Lock()
	if c.opts.TTL > 0 {
		for key, e := range c.entries {
			if now.Sub(e.lastUsed) > c.opts.TTL {
				delete(c.entries, key)
				c.bytes -= e.size
				if e.refs > 0 {
					e.doomed = true
				} else {
					toRemove = append(toRemove, e)
				}
			}
		}
	}
	if c.opts.MaxBytes > 0 && c.bytes > c.opts.MaxBytes {
		ordered := make([]*entry, 0, len(c.entries))
		for _, e := range c.entries {
			ordered = append(ordered, e)
		}
		// oldest first
		for i := 1; i < len(ordered); i++ {
			for j := i; j > 0 && ordered[j].lastUsed.Before(ordered[j-1].lastUsed); j-- {
				ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
			}
		}
		for _, e := range ordered {
			if c.bytes <= c.opts.MaxBytes {
				break
			}
			delete(c.entries, e.key)
			c.bytes -= e.size
			if e.refs > 0 {
				e.doomed = true
			} else {
				toRemove = append(toRemove, e)
			}
		}
	}
	metrics.Global().SetCacheSize(c.bytes, len(c.entries))
	c.mu.Unlock()

	for _, e := range toRemove {
		c.removeDir(e)
	}
}

func (c *Cache) removeDir(e *entry) {
	if err := os.RemoveAll(e.dir); err != nil {
		logging.Op().Warn("remove cached package", "key", e.key, "error", err)
	}
}

// Stats reports current totals.
func (c *Cache) Stats() (bytes int64, entries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes, len(c.entries)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
