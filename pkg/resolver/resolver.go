// Package resolver drives a tile request from coordinate to payload:
// descriptor checks, the cached tile state of the node, and the
// generating backend (the node's own worker pool or the node a
// descriptor points at), composed behind a single-flight table.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/geoforge/tilerd/pkg/cache"
	"github.com/geoforge/tilerd/pkg/datasource"
	"github.com/geoforge/tilerd/pkg/flight"
	"github.com/geoforge/tilerd/pkg/gate"
	"github.com/geoforge/tilerd/pkg/tiles"
	"github.com/geoforge/tilerd/pkg/worker"
)

// ErrOutOfRange reports a coordinate the datasource cannot serve: zoom
// outside the descriptor's range, a tile kind the datasource does not
// produce, or x/y off the grid.
var ErrOutOfRange = errors.New("coordinate out of range")

// Tile is a resolved tile.
//
// Empty marks a coordinate that is known and carries no payload. Gzip
// marks a payload already gzip-compressed on disk, servable with
// Content-Encoding: gzip as-is.
type Tile struct {
	Payload []byte
	Gzip    bool
	Empty   bool
}

// Directory is the descriptor view the resolver reads.
// *datasource.Registry implements it.
type Directory interface {
	Get(datasourceID string) (*datasource.Descriptor, bool)
}

// Store is the cached tile state of the node. *cache.Cache implements
// it.
type Store interface {
	Lookup(ctx context.Context, coord tiles.Coordinate) (cache.Tile, error)
}

// Generator produces tiles on the node itself. *worker.Pool implements
// it.
type Generator interface {
	Generate(ctx context.Context, coord tiles.Coordinate) (worker.Tile, error)
}

// Forwarder produces tiles on another node. *remote.Client implements
// it.
type Forwarder interface {
	Generate(ctx context.Context, addr string, coord tiles.Coordinate) (worker.Tile, error)
}

// Resolver owns the tile lookup path of one node.
//
// At most one build per fingerprint is in flight at a time; callers
// arriving while one runs attach to it and receive the same outcome.
// New builds pass the admission gate, so total generation work stays
// bounded no matter how many distinct coordinates are requested.
type Resolver struct {
	dir    Directory
	store  Store
	local  Generator
	remote Forwarder
	gate   *gate.Gate
	self   string

	flights *flight.Group[Tile]
}

type Option func(*Resolver)

// WithForwarder wires forwarding to the nodes that remote descriptors
// point at. self is this node's own public address; a descriptor
// pointing at it is served locally.
func WithForwarder(remote Forwarder, self string) Option {
	return func(r *Resolver) {
		r.remote = remote
		r.self = self
	}
}

func New(dir Directory, store Store, local Generator, g *gate.Gate, options ...Option) *Resolver {
	r := &Resolver{
		dir:     dir,
		store:   store,
		local:   local,
		gate:    g,
		flights: flight.NewGroup[Tile](),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Resolve serves a tile request end to end.
//
// Args:
//
// - ctx: bounds the caller's wait. A build other callers still await
// keeps running when ctx ends.
//
// - coord: the requested coordinate.
//
// Returns:
//
// - Tile: the payload, or Empty for a coordinate that is known to carry
// nothing (outside the descriptor bounds, cached as empty, or absent
// under use_cache_only).
//
// - error: datasource.ErrNotFound for an unknown id, ErrOutOfRange for
// a coordinate off the descriptor's range, gate.ErrRejected when the
// node is at capacity, and the generating backend's errors otherwise.
func (r *Resolver) Resolve(ctx context.Context, coord tiles.Coordinate) (Tile, error) {
	return r.resolve(ctx, coord, false)
}

// ResolveLocal serves a tile request without remote forwarding.
// Requests relayed by another master land here, so relaying cannot
// loop.
func (r *Resolver) ResolveLocal(ctx context.Context, coord tiles.Coordinate) (Tile, error) {
	return r.resolve(ctx, coord, true)
}

// Build produces a tile for a pyramid run. The cache consult is
// skipped, the coordinate builds on this node no matter where the
// descriptor points, and the admission gate is waited on instead of
// probed. Coordinates outside the descriptor bounds are skipped
// without error.
func (r *Resolver) Build(ctx context.Context, coord tiles.Coordinate) error {
	d, ok := r.dir.Get(coord.DatasourceID)
	if !ok {
		return fmt.Errorf("%w: '%s'", datasource.ErrNotFound, coord.DatasourceID)
	}
	if err := admit(d, coord); err != nil {
		return err
	}
	if !covered(d, coord) {
		return nil
	}
	_, _, err := r.flights.Do(ctx, coord.Fingerprint(), func(bctx context.Context) (Tile, error) {
		return r.produce(bctx, d, coord, true, true)
	})
	return err
}

func (r *Resolver) resolve(ctx context.Context, coord tiles.Coordinate, pinned bool) (Tile, error) {
	d, ok := r.dir.Get(coord.DatasourceID)
	if !ok {
		return Tile{}, fmt.Errorf("%w: '%s'", datasource.ErrNotFound, coord.DatasourceID)
	}
	if err := admit(d, coord); err != nil {
		return Tile{}, err
	}
	if !covered(d, coord) {
		return Tile{Empty: true}, nil
	}
	tile, _, err := r.flights.Do(ctx, coord.Fingerprint(), func(bctx context.Context) (Tile, error) {
		return r.produce(bctx, d, coord, false, pinned)
	})
	return tile, err
}

// produce is the per-fingerprint build. It runs on the shared build
// context, once per fingerprint, with every concurrent caller awaiting
// its outcome.
func (r *Resolver) produce(ctx context.Context, d *datasource.Descriptor, coord tiles.Coordinate, rebuild, pinned bool) (Tile, error) {
	if !rebuild {
		cached, err := r.store.Lookup(ctx, coord)
		if err != nil {
			return Tile{}, err
		}
		switch cached.State {
		case cache.Present:
			return finish(d, coord, cached.Payload), nil
		case cache.Empty:
			return Tile{Empty: true}, nil
		}
		if d.UseCacheOnly {
			return Tile{Empty: true}, nil
		}
	}

	if addr, ok := r.forwardTo(d); ok && !pinned {
		produced, err := r.remote.Generate(ctx, addr, coord)
		if err != nil {
			return Tile{}, err
		}
		if produced.Empty {
			return Tile{Empty: true}, nil
		}
		return finish(d, coord, produced.Payload), nil
	}

	if rebuild {
		if err := r.gate.Acquire(ctx); err != nil {
			return Tile{}, err
		}
	} else if !r.gate.TryAcquire() {
		return Tile{}, gate.ErrRejected
	}
	defer r.gate.Release()

	produced, err := r.local.Generate(ctx, coord)
	if err != nil {
		return Tile{}, err
	}
	if produced.Empty {
		return Tile{Empty: true}, nil
	}
	return finish(d, coord, produced.Payload), nil
}

// forwardTo decides whether the descriptor's tiles are produced on
// another node. A descriptor pointing at this node's own address is
// local.
func (r *Resolver) forwardTo(d *datasource.Descriptor) (string, bool) {
	if r.remote == nil || !d.Remote() {
		return "", false
	}
	addr := fmt.Sprintf("%s:%d", *d.DataStore.Host, *d.DataStore.Port)
	if addr == r.self {
		return "", false
	}
	return addr, true
}

// admit checks the coordinate against the grid and the descriptor.
func admit(d *datasource.Descriptor, coord tiles.Coordinate) error {
	if !coord.Valid() {
		return fmt.Errorf("%w: %d/%d/%d", ErrOutOfRange, coord.Z, coord.X, coord.Y)
	}
	if coord.Ext.Vector() != (d.Type == datasource.Vector) {
		return fmt.Errorf("%w: '%s' tiles of a %s datasource", ErrOutOfRange, coord.Ext, d.Type)
	}
	if coord.Z < d.MinZoom || d.MaxZoom < coord.Z {
		return fmt.Errorf("%w: zoom %d outside %d-%d", ErrOutOfRange, coord.Z, d.MinZoom, d.MaxZoom)
	}
	return nil
}

// covered reports whether the coordinate overlaps the descriptor
// bounds. No bounds means everything is covered.
func covered(d *datasource.Descriptor, coord tiles.Coordinate) bool {
	if d.Bounds == nil {
		return true
	}
	return d.Bounds.Grid().Covers(coord.Z, coord.X, coord.Y)
}

// finish stamps serving metadata on a payload. The gzip flag is set for
// vector payloads carrying the gzip magic when the descriptor wants
// tiles served compressed.
func finish(d *datasource.Descriptor, coord tiles.Coordinate, payload []byte) Tile {
	return Tile{
		Payload: payload,
		Gzip:    d.CompressTiles && coord.Ext.Vector() && tiles.IsGzip(payload),
	}
}
