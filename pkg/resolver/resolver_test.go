package resolver_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	testutilctx "github.com/geoforge/tilerd/internal/testutils/context"
	"github.com/geoforge/tilerd/pkg/cache"
	"github.com/geoforge/tilerd/pkg/datasource"
	"github.com/geoforge/tilerd/pkg/gate"
	"github.com/geoforge/tilerd/pkg/resolver"
	"github.com/geoforge/tilerd/pkg/tiles"
	"github.com/geoforge/tilerd/pkg/worker"
)

type stubDirectory map[string]*datasource.Descriptor

func (s stubDirectory) Get(id string) (*datasource.Descriptor, bool) {
	d, ok := s[id]
	return d, ok
}

type stubStore struct {
	mu    sync.Mutex
	tiles map[string]cache.Tile
	err   error
	calls int
}

func (s *stubStore) Lookup(_ context.Context, coord tiles.Coordinate) (cache.Tile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return cache.Tile{}, s.err
	}
	return s.tiles[coord.Fingerprint()], nil
}

func (s *stubStore) lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubGenerator struct {
	mu       sync.Mutex
	calls    int
	generate func(ctx context.Context, coord tiles.Coordinate) (worker.Tile, error)
}

func (s *stubGenerator) Generate(ctx context.Context, coord tiles.Coordinate) (worker.Tile, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.generate == nil {
		return worker.Tile{Payload: []byte("generated")}, nil
	}
	return s.generate(ctx, coord)
}

func (s *stubGenerator) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubForwarder struct {
	mu       sync.Mutex
	addrs    []string
	generate func(ctx context.Context, addr string, coord tiles.Coordinate) (worker.Tile, error)
}

func (s *stubForwarder) Generate(ctx context.Context, addr string, coord tiles.Coordinate) (worker.Tile, error) {
	s.mu.Lock()
	s.addrs = append(s.addrs, addr)
	s.mu.Unlock()
	if s.generate == nil {
		return worker.Tile{Payload: []byte("forwarded")}, nil
	}
	return s.generate(ctx, addr, coord)
}

func (s *stubForwarder) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.addrs...)
}

func parseDescriptor(t *testing.T, doc string) *datasource.Descriptor {
	t.Helper()
	d, err := datasource.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parsing descriptor: %s", err)
	}
	return d
}

// dem covers lng/lat -20..20, zoom 0-14. Tile (2, 1, 1) is inside the
// bounds, (2, 0, 0) is not.
func demDirectory(t *testing.T) stubDirectory {
	t.Helper()
	return stubDirectory{
		"dem": parseDescriptor(t, `{
			"id": "dem", "type": "raster", "minzoom": 2, "maxzoom": 14,
			"bounds": {"lng_w": -20.0, "lat_s": -20.0, "lng_e": 20.0, "lat_n": 20.0}
		}`),
	}
}

func demCoord(z, x, y int) tiles.Coordinate {
	return tiles.Coordinate{DatasourceID: "dem", Z: z, X: x, Y: y, Ext: tiles.PNG}
}

func TestResolver_servesACachedTile(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	coord := demCoord(2, 1, 1)
	store := &stubStore{tiles: map[string]cache.Tile{
		coord.Fingerprint(): {State: cache.Present, Payload: []byte("cached bytes")},
	}}
	gen := &stubGenerator{}
	g := gate.New(2)
	r := resolver.New(demDirectory(t), store, gen, g)

	tile, err := r.Resolve(ctx, coord)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if tile.Empty || !bytes.Equal(tile.Payload, []byte("cached bytes")) {
		t.Errorf("unexpected tile: %+v", tile)
	}
	if gen.count() != 0 {
		t.Errorf("cache hit reached the generator (%d calls)", gen.count())
	}
	if g.InFlight() != 0 {
		t.Errorf("cache hit held a gate slot")
	}
}

func TestResolver_relaysACachedEmptyMarker(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	coord := demCoord(2, 1, 1)
	store := &stubStore{tiles: map[string]cache.Tile{
		coord.Fingerprint(): {State: cache.Empty},
	}}
	gen := &stubGenerator{}
	r := resolver.New(demDirectory(t), store, gen, gate.New(2))

	tile, err := r.Resolve(ctx, coord)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !tile.Empty {
		t.Errorf("expected an empty tile, got %+v", tile)
	}
	if gen.count() != 0 {
		t.Errorf("cached empty marker reached the generator")
	}
}

func TestResolver_generatesOnCacheMiss(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	g := gate.New(2)
	gen := &stubGenerator{
		generate: func(context.Context, tiles.Coordinate) (worker.Tile, error) {
			if g.InFlight() != 1 {
				t.Errorf("build ran with %d gate slots held, want 1", g.InFlight())
			}
			return worker.Tile{Payload: []byte("fresh")}, nil
		},
	}
	r := resolver.New(demDirectory(t), &stubStore{}, gen, g)

	tile, err := r.Resolve(ctx, demCoord(2, 1, 1))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !bytes.Equal(tile.Payload, []byte("fresh")) {
		t.Errorf("unexpected payload: %q", tile.Payload)
	}
	if gen.count() != 1 {
		t.Errorf("generator called %d times, want 1", gen.count())
	}
	if g.InFlight() != 0 {
		t.Errorf("gate slot leaked: %d in flight", g.InFlight())
	}
}

func TestResolver_relaysAGeneratedEmptyAnswer(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	gen := &stubGenerator{
		generate: func(context.Context, tiles.Coordinate) (worker.Tile, error) {
			return worker.Tile{Empty: true}, nil
		},
	}
	r := resolver.New(demDirectory(t), &stubStore{}, gen, gate.New(1))

	tile, err := r.Resolve(ctx, demCoord(2, 1, 1))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !tile.Empty {
		t.Errorf("expected an empty tile, got %+v", tile)
	}
}

func TestResolver_rejectsUnknownDatasources(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	r := resolver.New(demDirectory(t), &stubStore{}, &stubGenerator{}, gate.New(1))

	_, err := r.Resolve(ctx, tiles.Coordinate{
		DatasourceID: "who", Z: 2, X: 1, Y: 1, Ext: tiles.PNG,
	})
	if !errors.Is(err, datasource.ErrNotFound) {
		t.Errorf("expected datasource.ErrNotFound, got %v", err)
	}
}

func TestResolver_rejectsCoordinatesOffTheDatasource(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	store := &stubStore{}
	gen := &stubGenerator{}
	r := resolver.New(demDirectory(t), store, gen, gate.New(1))

	for name, coord := range map[string]tiles.Coordinate{
		"zoom above the descriptor range": demCoord(15, 0, 0),
		"zoom below the descriptor range": demCoord(1, 0, 0),
		"x beyond the grid":               demCoord(2, 4, 1),
		"negative y":                      demCoord(2, 1, -1),
		"vector tile of a raster datasource": {
			DatasourceID: "dem", Z: 2, X: 1, Y: 1, Ext: tiles.MVT,
		},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := r.Resolve(ctx, coord); !errors.Is(err, resolver.ErrOutOfRange) {
				t.Errorf("expected ErrOutOfRange, got %v", err)
			}
		})
	}

	if store.lookups() != 0 || gen.count() != 0 {
		t.Errorf("rejected coordinates reached the cache or the generator")
	}
}

func TestResolver_answersEmptyOutsideTheBounds(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	store := &stubStore{}
	gen := &stubGenerator{}
	r := resolver.New(demDirectory(t), store, gen, gate.New(1))

	tile, err := r.Resolve(ctx, demCoord(2, 0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !tile.Empty {
		t.Errorf("expected an empty tile outside the bounds, got %+v", tile)
	}
	if store.lookups() != 0 || gen.count() != 0 {
		t.Errorf("out-of-bounds coordinate reached the cache or the generator")
	}
}

func TestResolver_honorsUseCacheOnly(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	dir := stubDirectory{
		"frozen": parseDescriptor(t, `{
			"id": "frozen", "type": "raster", "minzoom": 0, "maxzoom": 14,
			"use_cache_only": true
		}`),
	}
	gen := &stubGenerator{}
	r := resolver.New(dir, &stubStore{}, gen, gate.New(1))

	tile, err := r.Resolve(ctx, tiles.Coordinate{
		DatasourceID: "frozen", Z: 3, X: 2, Y: 2, Ext: tiles.PNG,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !tile.Empty {
		t.Errorf("expected an empty tile, got %+v", tile)
	}
	if gen.count() != 0 {
		t.Errorf("use_cache_only datasource reached the generator")
	}
}

func TestResolver_turnsAFullGateIntoBackpressure(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	g := gate.New(1)
	if !g.TryAcquire() {
		t.Fatal("fresh gate refused a slot")
	}
	gen := &stubGenerator{}
	r := resolver.New(demDirectory(t), &stubStore{}, gen, g)

	_, err := r.Resolve(ctx, demCoord(2, 1, 1))
	if !errors.Is(err, gate.ErrRejected) {
		t.Errorf("expected gate.ErrRejected, got %v", err)
	}
	if gen.count() != 0 {
		t.Errorf("rejected request reached the generator")
	}
}

func TestResolver_coalescesConcurrentRequests(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gen := &stubGenerator{
		generate: func(bctx context.Context, _ tiles.Coordinate) (worker.Tile, error) {
			once.Do(func() { close(entered) })
			select {
			case <-release:
			case <-bctx.Done():
				return worker.Tile{}, bctx.Err()
			}
			return worker.Tile{Payload: []byte("the one build")}, nil
		},
	}
	r := resolver.New(demDirectory(t), &stubStore{}, gen, gate.New(4))

	coord := demCoord(2, 1, 1)
	results := make(chan []byte, 3)
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			tile, err := r.Resolve(ctx, coord)
			results <- tile.Payload
			errs <- err
		}()
	}

	<-entered
	// let the other callers attach to the running build
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil {
			t.Errorf("unexpected error: %s", err)
		}
		if payload := <-results; !bytes.Equal(payload, []byte("the one build")) {
			t.Errorf("unexpected payload: %q", payload)
		}
	}
	if gen.count() != 1 {
		t.Errorf("generator called %d times for one fingerprint, want 1", gen.count())
	}
}

func TestResolver_passesBackendErrorsThrough(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	for name, want := range map[string]error{
		"timeout": worker.ErrTimeout,
		"crash":   worker.ErrCrashed,
	} {
		t.Run(name, func(t *testing.T) {
			gen := &stubGenerator{
				generate: func(context.Context, tiles.Coordinate) (worker.Tile, error) {
					return worker.Tile{}, want
				},
			}
			g := gate.New(1)
			r := resolver.New(demDirectory(t), &stubStore{}, gen, g)

			_, err := r.Resolve(ctx, demCoord(2, 1, 1))
			if !errors.Is(err, want) {
				t.Errorf("expected %v, got %v", want, err)
			}
			if g.InFlight() != 0 {
				t.Errorf("failed build leaked a gate slot")
			}
		})
	}
}

func TestResolver_passesCacheErrorsThrough(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	broken := errors.New("archive gone sideways")
	r := resolver.New(demDirectory(t), &stubStore{err: broken}, &stubGenerator{}, gate.New(1))

	if _, err := r.Resolve(ctx, demCoord(2, 1, 1)); !errors.Is(err, broken) {
		t.Errorf("expected the store error, got %v", err)
	}
}

func remoteDirectory(t *testing.T) stubDirectory {
	t.Helper()
	return stubDirectory{
		"sat": parseDescriptor(t, `{
			"id": "sat", "type": "raster", "minzoom": 0, "maxzoom": 14,
			"dataStore": {"type": "raster", "store": "mbtiles", "host": "10.0.0.7", "port": 8000}
		}`),
	}
}

func satCoord() tiles.Coordinate {
	return tiles.Coordinate{DatasourceID: "sat", Z: 3, X: 2, Y: 2, Ext: tiles.PNG}
}

func TestResolver_forwardsRemoteDatasources(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	t.Run("a remote descriptor is forwarded, bypassing the gate", func(t *testing.T) {
		g := gate.New(1)
		if !g.TryAcquire() {
			t.Fatal("fresh gate refused a slot")
		}
		gen := &stubGenerator{}
		fwd := &stubForwarder{}
		r := resolver.New(
			remoteDirectory(t), &stubStore{}, gen, g,
			resolver.WithForwarder(fwd, "192.168.1.1:3000"),
		)

		tile, err := r.Resolve(ctx, satCoord())
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if !bytes.Equal(tile.Payload, []byte("forwarded")) {
			t.Errorf("unexpected payload: %q", tile.Payload)
		}
		if addrs := fwd.called(); len(addrs) != 1 || addrs[0] != "10.0.0.7:8000" {
			t.Errorf("unexpected forward targets: %v", addrs)
		}
		if gen.count() != 0 {
			t.Errorf("remote datasource reached the local generator")
		}
	})

	t.Run("a descriptor pointing at this node is local", func(t *testing.T) {
		gen := &stubGenerator{}
		fwd := &stubForwarder{}
		r := resolver.New(
			remoteDirectory(t), &stubStore{}, gen, gate.New(1),
			resolver.WithForwarder(fwd, "10.0.0.7:8000"),
		)

		if _, err := r.Resolve(ctx, satCoord()); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if len(fwd.called()) != 0 {
			t.Errorf("request to this node's own address was forwarded")
		}
		if gen.count() != 1 {
			t.Errorf("generator called %d times, want 1", gen.count())
		}
	})

	t.Run("ResolveLocal never forwards", func(t *testing.T) {
		gen := &stubGenerator{}
		fwd := &stubForwarder{}
		r := resolver.New(
			remoteDirectory(t), &stubStore{}, gen, gate.New(1),
			resolver.WithForwarder(fwd, "192.168.1.1:3000"),
		)

		if _, err := r.ResolveLocal(ctx, satCoord()); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if len(fwd.called()) != 0 {
			t.Errorf("relayed request was forwarded again")
		}
		if gen.count() != 1 {
			t.Errorf("generator called %d times, want 1", gen.count())
		}
	})

	t.Run("without a forwarder every descriptor is local", func(t *testing.T) {
		gen := &stubGenerator{}
		r := resolver.New(remoteDirectory(t), &stubStore{}, gen, gate.New(1))

		if _, err := r.Resolve(ctx, satCoord()); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if gen.count() != 1 {
			t.Errorf("generator called %d times, want 1", gen.count())
		}
	})
}

func TestResolver_marksCompressedVectorTiles(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	gzipped := []byte{0x1f, 0x8b, 0x08, 0x00, 0x01}
	plain := []byte("no magic here")

	for name, when := range map[string]struct {
		compress bool
		ext      tiles.Ext
		payload  []byte
		want     bool
	}{
		"compressed vector payload":    {compress: true, ext: tiles.MVT, payload: gzipped, want: true},
		"compression off":              {compress: false, ext: tiles.MVT, payload: gzipped, want: false},
		"payload without the magic":    {compress: true, ext: tiles.MVT, payload: plain, want: false},
		"raster payload never gzipped": {compress: true, ext: tiles.PNG, payload: gzipped, want: false},
	} {
		t.Run(name, func(t *testing.T) {
			kind := datasource.Vector
			if !when.ext.Vector() {
				kind = datasource.Raster
			}
			doc := `{"id": "roads", "type": "` + kind + `", "minzoom": 0, "maxzoom": 14`
			if when.compress {
				doc += `, "compress_tiles": true`
			}
			doc += `}`
			dir := stubDirectory{"roads": parseDescriptor(t, doc)}
			coord := tiles.Coordinate{DatasourceID: "roads", Z: 3, X: 2, Y: 2, Ext: when.ext}
			store := &stubStore{tiles: map[string]cache.Tile{
				coord.Fingerprint(): {State: cache.Present, Payload: when.payload},
			}}
			r := resolver.New(dir, store, &stubGenerator{}, gate.New(1))

			tile, err := r.Resolve(ctx, coord)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if tile.Gzip != when.want {
				t.Errorf("gzip flag = %v, want %v", tile.Gzip, when.want)
			}
		})
	}
}

func TestResolver_buildSkipsTheCache(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	coord := demCoord(2, 1, 1)
	store := &stubStore{tiles: map[string]cache.Tile{
		coord.Fingerprint(): {State: cache.Present, Payload: []byte("stale")},
	}}
	gen := &stubGenerator{}
	r := resolver.New(demDirectory(t), store, gen, gate.New(1))

	if err := r.Build(ctx, coord); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if gen.count() != 1 {
		t.Errorf("generator called %d times, want 1", gen.count())
	}
	if store.lookups() != 0 {
		t.Errorf("rebuild consulted the cache")
	}
}

func TestResolver_buildWaitsForAFreeSlot(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	g := gate.New(1)
	if !g.TryAcquire() {
		t.Fatal("fresh gate refused a slot")
	}
	entered := make(chan struct{})
	gen := &stubGenerator{
		generate: func(context.Context, tiles.Coordinate) (worker.Tile, error) {
			close(entered)
			return worker.Tile{Payload: []byte("built")}, nil
		},
	}
	r := resolver.New(demDirectory(t), &stubStore{}, gen, g)

	done := make(chan error, 1)
	go func() { done <- r.Build(ctx, demCoord(2, 1, 1)) }()

	select {
	case <-entered:
		t.Fatal("build ran before a gate slot freed up")
	case <-time.After(100 * time.Millisecond):
	}

	g.Release()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("build never ran after the gate freed up")
	}
	if err := <-done; err != nil {
		t.Errorf("unexpected error: %s", err)
	}
}

func TestResolver_buildSkipsUncoveredCoordinates(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	gen := &stubGenerator{}
	r := resolver.New(demDirectory(t), &stubStore{}, gen, gate.New(1))

	if err := r.Build(ctx, demCoord(2, 0, 0)); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if gen.count() != 0 {
		t.Errorf("out-of-bounds coordinate was built")
	}
}
