// Package diskcache implements the filesystem-backed byte store described
// in spec.md §4.4 (C4): an asynchronous write-behind staging layer over a
// flat directory of files. A background loop flushes staged writes and, on
// its own ticker, sweeps least-recently-accessed files to stay under a size
// limit — both running for the lifetime of the Cache, not just on demand.
// Directory layout and bootstrap conventions follow the teacher's
// internal/storage/file usage pattern (file.New(*storagePath) in
// cmd/image-service/main.go): a flat, self-healing directory of
// atomically-written files.
package diskcache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultSizeLimit is the default total size before a sweep trims the
// cache (spec.md §4.4: "~150 MB").
const DefaultSizeLimit int64 = 150 << 20

// SweepTargetFraction is the fraction of SizeLimit a sweep leaves behind,
// to avoid thrashing right back over the limit (spec.md §4.4: "~88%").
const SweepTargetFraction = 0.88

// DefaultFlushInterval is how often staged writes are flushed to disk when
// Flush isn't called explicitly.
const DefaultFlushInterval = 1 * time.Second

// DefaultSweepInterval is how often the background loop checks the cache
// against its size limit (spec.md §4.4's "periodic sweep").
const DefaultSweepInterval = 1 * time.Minute

// FilenameGenerator maps a cache key to the filename it's stored under.
// The default (package request's DefaultFilenameGenerator) hex-encodes the
// SHA-1 of the UTF-8 key bytes.
type FilenameGenerator func(key string) string

type stagedOp struct {
	data    []byte
	deleted bool
}

// Cache is the disk-backed byte store.
type Cache struct {
	dir           string
	filenameFor   FilenameGenerator
	sizeLimit     int64
	flushInterval time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	staging map[string]stagedOp
	pinned  map[string]int
	access  map[string]time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithSizeLimit overrides DefaultSizeLimit.
func WithSizeLimit(n int64) Option { return func(c *Cache) { c.sizeLimit = n } }

// WithFlushInterval overrides DefaultFlushInterval.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Cache) { c.flushInterval = d }
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.sweepInterval = d }
}

// WithFilenameGenerator overrides the default SHA-1 filename generator.
func WithFilenameGenerator(f FilenameGenerator) Option {
	return func(c *Cache) { c.filenameFor = f }
}

// New creates a Cache rooted at dir, creating it if missing, and starts its
// background flush and sweep loops.
func New(dir string, filenameFor FilenameGenerator, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	c := &Cache{
		dir:           dir,
		filenameFor:   filenameFor,
		sizeLimit:     DefaultSizeLimit,
		flushInterval: DefaultFlushInterval,
		sweepInterval: DefaultSweepInterval,
		staging:       make(map[string]stagedOp),
		pinned:        make(map[string]int),
		access:        make(map[string]time.Time),
		stop:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(2)
	go c.flushLoop()
	go c.sweepLoop()

	return c, nil
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, c.filenameFor(key))
}

// Get reads key, consulting the staging map first and falling back to disk.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	if op, ok := c.staging[key]; ok {
		c.access[key] = time.Now()
		c.mu.Unlock()
		if op.deleted {
			return nil, false
		}
		return op.data, true
	}
	c.mu.Unlock()

	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	c.access[key] = time.Now()
	c.mu.Unlock()

	return data, true
}

// ContainsData reports whether key currently has data, per the staging map
// or the filesystem.
func (c *Cache) ContainsData(key string) bool {
	c.mu.Lock()
	if op, ok := c.staging[key]; ok {
		c.mu.Unlock()
		return !op.deleted
	}
	c.mu.Unlock()

	_, err := os.Stat(c.path(key))
	return err == nil
}

// Put stages data for key. It is flushed to disk by the next background
// tick or an explicit Flush.
func (c *Cache) Put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staging[key] = stagedOp{data: data}
	c.access[key] = time.Now()
}

// Delete stages a removal for key, replacing any staged write, so reads see
// it as absent at once and the next Flush deletes its file if one exists.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staging[key] = stagedOp{deleted: true}
}

// Flush durably applies all staged writes and deletes. After Flush
// returns, every prior write is observable via the filesystem (spec.md
// §4.4's durability invariant).
func (c *Cache) Flush() error {
	c.mu.Lock()
	pending := c.staging
	c.staging = make(map[string]stagedOp)
	for key := range pending {
		c.pinned[key]++
	}
	c.mu.Unlock()

	var firstErr error
	for key, op := range pending {
		var err error
		if op.deleted {
			err = os.Remove(c.path(key))
			if os.IsNotExist(err) {
				err = nil
			}
		} else {
			err = c.writeAtomic(key, op.data)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}

		c.mu.Lock()
		c.pinned[key]--
		if c.pinned[key] <= 0 {
			delete(c.pinned, key)
		}
		c.mu.Unlock()
	}

	return firstErr
}

func (c *Cache) writeAtomic(key string, data []byte) error {
	final := c.path(key)
	tmp := final + ".tmp"
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func (c *Cache) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Flush()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep(context.Background())
		case <-c.stop:
			return
		}
	}
}

// Close stops the background flush and sweep loops and performs one final
// flush.
func (c *Cache) Close() error {
	close(c.stop)
	c.wg.Wait()
	return c.Flush()
}

type fileInfo struct {
	name   string
	size   int64
	access time.Time
}

// Sweep removes least-recently-accessed files until the cache is at or
// under SweepTargetFraction of its size limit. It never removes a key
// currently pinned by an in-progress Flush write (spec.md §4.4's sweep
// invariant).
func (c *Cache) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	infos := make([]fileInfo, len(entries))
	g, _ := errgroup.WithContext(ctx)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			if e.IsDir() {
				return nil
			}
			fi, err := e.Info()
			if err != nil {
				return nil
			}
			infos[i] = fileInfo{name: e.Name(), size: fi.Size(), access: fi.ModTime()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	for name, t := range c.access {
		fn := c.filenameFor(name)
		for i := range infos {
			if infos[i].name == fn {
				infos[i].access = t
			}
		}
	}
	pinned := make(map[string]bool, len(c.pinned))
	for k := range c.pinned {
		pinned[c.filenameFor(k)] = true
	}
	c.mu.Unlock()

	var total int64
	for _, fi := range infos {
		if fi.name == "" {
			continue
		}
		total += fi.size
	}

	target := int64(float64(c.sizeLimit) * SweepTargetFraction)
	if total <= target {
		return nil
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].access.Before(infos[j].access) })

	for _, fi := range infos {
		if total <= target {
			break
		}
		if fi.name == "" || pinned[fi.name] {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, fi.name)); err != nil {
			continue
		}
		total -= fi.size
	}

	return nil
}
