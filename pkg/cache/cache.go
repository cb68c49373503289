// Package cache resolves tile coordinates against the on-disk tile
// state of this node: one MBTiles-style archive per datasource plus a
// loose XYZ tile tree.
//
// Request serving never writes through here. Workers own tile writes;
// a freshly written tile surfaces on the next lookup. The cache only
// manages archive lifecycle (create, drop) around pyramid runs.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/geoforge/tilerd/pkg/environment"
	xe "github.com/geoforge/tilerd/pkg/errors"
	"github.com/geoforge/tilerd/pkg/tiles"
	"github.com/labstack/gommon/log"

	_ "modernc.org/sqlite"
)

// State classifies a lookup.
type State int

const (
	// Absent: nothing cached for the coordinate.
	Absent State = iota

	// Empty: the coordinate is known and carries no payload.
	Empty

	// Present: a payload is cached.
	Present
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Empty:
		return "empty"
	case Present:
		return "present"
	default:
		return "unknown"
	}
}

// Tile is the outcome of a lookup.
type Tile struct {
	State   State
	Payload []byte
}

// Archives are written by concurrent worker processes; wait out their
// write locks instead of failing the read.
func archiveDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)"
}

const lookupQuery = `
SELECT "tile_data" FROM "tiles"
WHERE "zoom_level" = ? AND "tile_column" = ? AND "tile_row" = ?
LIMIT 1
`

// Rows are addressed with the request y as-is. The archives are not
// TMS-flipped; they are an internal cache, not an export format.
var archiveSchema = []string{
	`CREATE TABLE IF NOT EXISTS "tiles" (
		"zoom_level" INTEGER NOT NULL,
		"tile_column" INTEGER NOT NULL,
		"tile_row" INTEGER NOT NULL,
		"tile_data" BLOB,
		PRIMARY KEY ("zoom_level", "tile_column", "tile_row")
	)`,
	`CREATE TABLE IF NOT EXISTS "metadata" ("name" TEXT, "value" TEXT)`,
	`CREATE TABLE IF NOT EXISTS "grids" (
		"zoom_level" INTEGER, "tile_column" INTEGER, "tile_row" INTEGER,
		"grid" BLOB
	)`,
	`CREATE TABLE IF NOT EXISTS "grid_data" (
		"zoom_level" INTEGER, "tile_column" INTEGER, "tile_row" INTEGER,
		"key_name" TEXT, "key_json" TEXT
	)`,
}

// Cache reads tiles from the archives and the loose tile tree under the
// node layout. Archive handles are opened on first use and held until
// Forget or Close.
type Cache struct {
	layout environment.Layout
	logger *log.Logger

	mu       sync.RWMutex
	archives map[string]*sql.DB
}

type Option func(*Cache)

// WithLogger replaces the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

func New(layout environment.Layout, options ...Option) *Cache {
	c := &Cache{
		layout:   layout,
		logger:   log.New("cache"),
		archives: map[string]*sql.DB{},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Lookup resolves a tile coordinate.
//
// The datasource archive is consulted first, the loose tile tree second.
// A row or file without payload reports Empty; no row and no file
// reports Absent.
func (c *Cache) Lookup(ctx context.Context, coord tiles.Coordinate) (Tile, error) {
	db, err := c.archive(coord.DatasourceID)
	if err != nil {
		return Tile{}, err
	}
	if db != nil {
		var payload []byte
		err := db.QueryRowContext(ctx, lookupQuery, coord.Z, coord.X, coord.Y).Scan(&payload)
		switch {
		case err == nil:
			if len(payload) == 0 {
				return Tile{State: Empty}, nil
			}
			return Tile{State: Present, Payload: payload}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return Tile{}, xe.Wrap(err)
		}
	}

	payload, err := os.ReadFile(c.layout.TilePath(coord))
	switch {
	case err == nil:
		if len(payload) == 0 {
			return Tile{State: Empty}, nil
		}
		return Tile{State: Present, Payload: payload}, nil
	case os.IsNotExist(err):
		return Tile{State: Absent}, nil
	default:
		return Tile{}, xe.Wrap(err)
	}
}

// archive returns the held handle of a datasource archive, opening it on
// first use. Both results are nil when the datasource has no archive
// file.
func (c *Cache) archive(datasourceID string) (*sql.DB, error) {
	c.mu.RLock()
	db, ok := c.archives[datasourceID]
	c.mu.RUnlock()
	if ok {
		return db, nil
	}

	path := c.layout.ArchivePath(datasourceID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xe.Wrap(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.archives[datasourceID]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite", archiveDSN(path))
	if err != nil {
		return nil, xe.Wrap(err)
	}
	c.archives[datasourceID] = db
	return db, nil
}

// Forget closes the held archive handle of a datasource. The next
// lookup reopens from disk, or misses when the archive is gone.
func (c *Cache) Forget(datasourceID string) {
	c.mu.Lock()
	db, ok := c.archives[datasourceID]
	delete(c.archives, datasourceID)
	c.mu.Unlock()
	if ok {
		if err := db.Close(); err != nil {
			c.logger.Warnf("closing archive of '%s': %s", datasourceID, err)
		}
	}
}

// InitArchive prepares the archive of a datasource: leftover WAL
// segments of a crashed writer are folded into the base file, and the
// archive is created with the MBTiles table set when absent.
func (c *Cache) InitArchive(ctx context.Context, datasourceID string) error {
	c.Forget(datasourceID)

	path := c.layout.ArchivePath(datasourceID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xe.Wrap(err)
	}
	if err := mergeWAL(ctx, path); err != nil {
		return err
	}

	switch _, err := os.Stat(path); {
	case err == nil:
		return nil
	case !os.IsNotExist(err):
		return xe.Wrap(err)
	}

	db, err := sql.Open("sqlite", archiveDSN(path)+"&_pragma=journal_mode(WAL)")
	if err != nil {
		return xe.Wrap(err)
	}
	defer db.Close()
	for _, stmt := range archiveSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return xe.Wrap(err)
		}
	}
	return nil
}

// Wipe drops the archive of a datasource so the next pyramid run starts
// from a clean file.
func (c *Cache) Wipe(datasourceID string) error {
	c.Forget(datasourceID)

	path := c.layout.ArchivePath(datasourceID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return xe.Wrap(err)
	}

	// give the closed handle time to release the wal segments
	time.Sleep(100 * time.Millisecond)
	for _, sibling := range []string{path + "-wal", path + "-shm"} {
		if err := os.Remove(sibling); err != nil && !os.IsNotExist(err) {
			return xe.Wrap(err)
		}
	}
	return nil
}

// Close releases all held archive handles.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for id, db := range c.archives {
		if err := db.Close(); err != nil && first == nil {
			first = xe.Wrap(err)
		}
		delete(c.archives, id)
	}
	return first
}

// mergeWAL folds -wal/-shm segments into the base file by cycling a
// connection; sqlite checkpoints on close.
func mergeWAL(ctx context.Context, path string) error {
	segments := false
	for _, sibling := range []string{path + "-wal", path + "-shm"} {
		if _, err := os.Stat(sibling); err == nil {
			segments = true
		}
	}
	if !segments {
		return nil
	}

	db, err := sql.Open("sqlite", archiveDSN(path))
	if err != nil {
		return xe.Wrap(err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return xe.Wrap(err)
	}
	return nil
}
