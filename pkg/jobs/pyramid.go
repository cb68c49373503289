package jobs

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/geoforge/tilerd/pkg/datasource"
	"github.com/geoforge/tilerd/pkg/tiles"
	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"golang.org/x/sync/errgroup"
)

// Directory resolves datasource ids to descriptors.
// *datasource.Registry implements it.
type Directory interface {
	Get(datasourceID string) (*datasource.Descriptor, bool)
}

// Archiver manages the tile archive of a datasource around a rebuild.
// *cache.Cache implements it.
type Archiver interface {
	Wipe(datasourceID string) error
	InitArchive(ctx context.Context, datasourceID string) error
}

// TileBuilder produces one tile. *resolver.Resolver implements it.
type TileBuilder interface {
	Build(ctx context.Context, coord tiles.Coordinate) error
}

// Pyramid rebuilds the whole tile pyramid of a datasource: the archive
// is wiped and re-initialized, then every coordinate intersecting the
// descriptor bounds over the configured zoom range is built, bounded by
// the datasource's process count.
type Pyramid struct {
	dir      Directory
	archives Archiver
	tiles    TileBuilder
	logger   *log.Logger
}

type PyramidOption func(*Pyramid)

// WithPyramidLogger replaces the default logger.
func WithPyramidLogger(logger *log.Logger) PyramidOption {
	return func(p *Pyramid) { p.logger = logger }
}

func NewPyramid(dir Directory, archives Archiver, builder TileBuilder, options ...PyramidOption) *Pyramid {
	p := &Pyramid{
		dir:      dir,
		archives: archives,
		tiles:    builder,
		logger:   log.New("pyramid"),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Run rebuilds the pyramid of one datasource.
//
// Args:
//
// - ctx: cancels the rebuild; tiles in flight finish first.
//
// - datasourceID
//
// - stop: consulted between tiles when not nil. A true return abandons
// the rest of the rebuild and Run reports ErrCancelled.
//
// Returns:
//
// - error: datasource.ErrNotFound for an unknown id, ErrCancelled when
// stop ended the run, the first failing tile otherwise. A failing tile
// aborts the rebuild; a retry starts over from the wipe.
func (p *Pyramid) Run(ctx context.Context, datasourceID string, stop func(context.Context) bool) error {
	d, ok := p.dir.Get(datasourceID)
	if !ok {
		return fmt.Errorf("%w: '%s'", datasource.ErrNotFound, datasourceID)
	}

	if d.Archived() {
		if err := p.archives.Wipe(datasourceID); err != nil {
			return err
		}
		if err := p.archives.InitArchive(ctx, datasourceID); err != nil {
			return err
		}
	}

	zmin, zmax := pyramidZooms(d)
	ext := buildExt(d)

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(fanout(d))

	built := 0
	stopped := false
scan:
	for z := zmin; z <= zmax; z++ {
		rng := rangeAt(d, z)
		for y := rng.MinY; y <= rng.MaxY; y++ {
			for x := rng.MinX; x <= rng.MaxX; x++ {
				if egctx.Err() != nil {
					break scan
				}
				if stop != nil && stop(egctx) {
					stopped = true
					break scan
				}
				coord := tiles.Coordinate{
					DatasourceID: datasourceID, Z: z, X: x, Y: y, Ext: ext,
				}
				eg.Go(func() error {
					if err := p.tiles.Build(egctx, coord); err != nil {
						return fmt.Errorf("tile %s: %w", coord, err)
					}
					return nil
				})
				built++
			}
		}
	}

	err := eg.Wait()
	if stopped {
		return ErrCancelled
	}
	if err != nil {
		return err
	}
	p.logger.Infof("pyramid of '%s' rebuilt: %d tiles over zoom %d-%d", datasourceID, built, zmin, zmax)
	return nil
}

// pyramidZooms is the zoom range of a rebuild: the pyramid settings
// where given, the descriptor's serving range otherwise.
func pyramidZooms(d *datasource.Descriptor) (int, int) {
	zmin, zmax := d.MinZoom, d.MaxZoom
	if p := d.Pyramid; p != nil {
		if p.MinZoom >= 0 {
			zmin = p.MinZoom
		}
		if p.MaxZoom >= 0 {
			zmax = p.MaxZoom
		}
	}
	if zmin < 0 {
		zmin = 0
	}
	if zmax > tiles.MaxZoom {
		zmax = tiles.MaxZoom
	}
	return zmin, zmax
}

func buildExt(d *datasource.Descriptor) tiles.Ext {
	if d.Type == datasource.Vector {
		return tiles.MVT
	}
	return tiles.PNG
}

func fanout(d *datasource.Descriptor) int {
	if p := d.Pyramid; p != nil && p.CountProcesses > 0 {
		return p.CountProcesses
	}
	return runtime.NumCPU()
}

func rangeAt(d *datasource.Descriptor, z int) tiles.TileRange {
	if d.Bounds == nil {
		n := 1 << uint(z)
		return tiles.TileRange{Z: z, MaxX: n - 1, MaxY: n - 1}
	}
	return tiles.RangeAt(z, d.Bounds.Grid())
}

// Direct runs pyramid builds on a node that claims no queue rows:
// worker nodes execute a master's handoff in the background and answer
// right away.
type Direct struct {
	pyramid PyramidRunner
	logger  *log.Logger

	mu      sync.Mutex
	running map[string]string
}

type DirectOption func(*Direct)

// WithDirectLogger replaces the default logger.
func WithDirectLogger(logger *log.Logger) DirectOption {
	return func(d *Direct) { d.logger = logger }
}

func NewDirect(pyramid PyramidRunner, options ...DirectOption) *Direct {
	d := &Direct{
		pyramid: pyramid,
		logger:  log.New("pyramid"),
		running: map[string]string{},
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Schedule starts a background rebuild of the datasource unless one is
// already running, and returns the build id together with whether it
// was already running.
//
// base must outlive the request that triggered the build; the node's
// serve context is the right choice.
func (d *Direct) Schedule(base context.Context, datasourceID string) (string, bool) {
	d.mu.Lock()
	if id, ok := d.running[datasourceID]; ok {
		d.mu.Unlock()
		return id, true
	}
	id := uuid.NewString()
	d.running[datasourceID] = id
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.running, datasourceID)
			d.mu.Unlock()
		}()
		if err := d.pyramid.Run(base, datasourceID, nil); err != nil {
			d.logger.Errorf("pyramid build '%s' of '%s': %s", id, datasourceID, err)
		}
	}()
	return id, false
}
