package handlers_test

import (
	"context"
	"sync"
	"time"

	"github.com/geoforge/tilerd/pkg/cache"
	"github.com/geoforge/tilerd/pkg/datasource"
	"github.com/geoforge/tilerd/pkg/resolver"
	"github.com/geoforge/tilerd/pkg/tiles"
	"github.com/geoforge/tilerd/pkg/utils/pointer"
	"github.com/geoforge/tilerd/pkg/worker"
)

type stubResolver struct {
	Impl struct {
		Resolve      func(ctx context.Context, coord tiles.Coordinate) (resolver.Tile, error)
		ResolveLocal func(ctx context.Context, coord tiles.Coordinate) (resolver.Tile, error)
	}
	Calls struct {
		Resolve      []tiles.Coordinate
		ResolveLocal []tiles.Coordinate
	}
}

func (s *stubResolver) Resolve(ctx context.Context, coord tiles.Coordinate) (resolver.Tile, error) {
	s.Calls.Resolve = append(s.Calls.Resolve, coord)
	return s.Impl.Resolve(ctx, coord)
}

func (s *stubResolver) ResolveLocal(ctx context.Context, coord tiles.Coordinate) (resolver.Tile, error) {
	s.Calls.ResolveLocal = append(s.Calls.ResolveLocal, coord)
	return s.Impl.ResolveLocal(ctx, coord)
}

type stubCacheStore struct {
	Impl struct {
		Lookup func(ctx context.Context, coord tiles.Coordinate) (cache.Tile, error)
	}
}

func (s *stubCacheStore) Lookup(ctx context.Context, coord tiles.Coordinate) (cache.Tile, error) {
	return s.Impl.Lookup(ctx, coord)
}

type scheduleCall struct {
	DatasourceID string
	At           time.Time
}

type stubScheduler struct {
	Impl struct {
		SchedulePyramid func(ctx context.Context, datasourceID string, at time.Time) (string, bool, error)
	}
	Calls struct {
		SchedulePyramid []scheduleCall
	}
}

func (s *stubScheduler) SchedulePyramid(ctx context.Context, datasourceID string, at time.Time) (string, bool, error) {
	s.Calls.SchedulePyramid = append(s.Calls.SchedulePyramid, scheduleCall{DatasourceID: datasourceID, At: at})
	return s.Impl.SchedulePyramid(ctx, datasourceID, at)
}

type stubRegistry struct {
	Impl struct {
		Get         func(datasourceID string) (*datasource.Descriptor, bool)
		List        func() []*datasource.Descriptor
		Resync      func(ctx context.Context) error
		Create      func(ctx context.Context, raw []byte) (string, []datasource.ValidationError, error)
		Update      func(ctx context.Context, raw []byte) (string, []datasource.ValidationError, error)
		Delete      func(ctx context.Context, datasourceID string) error
		LoadFiles   func(ctx context.Context) (*datasource.LoadReport, error)
		ReloadFiles func(ctx context.Context, ids []string) (*datasource.LoadReport, error)
	}
	Calls struct {
		Resync      int
		Create      [][]byte
		Update      [][]byte
		Delete      []string
		LoadFiles   int
		ReloadFiles [][]string
	}
}

func (s *stubRegistry) Get(datasourceID string) (*datasource.Descriptor, bool) {
	return s.Impl.Get(datasourceID)
}

func (s *stubRegistry) List() []*datasource.Descriptor {
	if s.Impl.List == nil {
		return []*datasource.Descriptor{}
	}
	return s.Impl.List()
}

func (s *stubRegistry) Resync(ctx context.Context) error {
	s.Calls.Resync++
	if s.Impl.Resync == nil {
		return nil
	}
	return s.Impl.Resync(ctx)
}

func (s *stubRegistry) Create(ctx context.Context, raw []byte) (string, []datasource.ValidationError, error) {
	s.Calls.Create = append(s.Calls.Create, raw)
	return s.Impl.Create(ctx, raw)
}

func (s *stubRegistry) Update(ctx context.Context, raw []byte) (string, []datasource.ValidationError, error) {
	s.Calls.Update = append(s.Calls.Update, raw)
	return s.Impl.Update(ctx, raw)
}

func (s *stubRegistry) Delete(ctx context.Context, datasourceID string) error {
	s.Calls.Delete = append(s.Calls.Delete, datasourceID)
	return s.Impl.Delete(ctx, datasourceID)
}

func (s *stubRegistry) LoadFiles(ctx context.Context) (*datasource.LoadReport, error) {
	s.Calls.LoadFiles++
	return s.Impl.LoadFiles(ctx)
}

func (s *stubRegistry) ReloadFiles(ctx context.Context, ids []string) (*datasource.LoadReport, error) {
	s.Calls.ReloadFiles = append(s.Calls.ReloadFiles, ids)
	return s.Impl.ReloadFiles(ctx, ids)
}

// stubSyncer records sync pings on a channel so tests can wait out the
// background fanout.
type stubSyncer struct {
	synced chan string
}

func newStubSyncer(buffer int) *stubSyncer {
	return &stubSyncer{synced: make(chan string, buffer)}
}

func (s *stubSyncer) SyncDatasources(ctx context.Context, addr string) error {
	s.synced <- addr
	return nil
}

type stubSupervisor struct {
	Impl struct {
		AddWorkers func(ctx context.Context, n int) error
		Info       func() []worker.Info
	}
	Calls struct {
		AddWorkers []int
	}

	mu         sync.Mutex
	reloaded   chan struct{}
	terminated chan struct{}
}

func newStubSupervisor() *stubSupervisor {
	return &stubSupervisor{
		reloaded:   make(chan struct{}, 1),
		terminated: make(chan struct{}, 1),
	}
}

func (s *stubSupervisor) AddWorkers(ctx context.Context, n int) error {
	s.mu.Lock()
	s.Calls.AddWorkers = append(s.Calls.AddWorkers, n)
	s.mu.Unlock()
	if s.Impl.AddWorkers == nil {
		return nil
	}
	return s.Impl.AddWorkers(ctx, n)
}

func (s *stubSupervisor) ReloadAll(ctx context.Context) {
	s.reloaded <- struct{}{}
}

func (s *stubSupervisor) TerminateAll() {
	s.terminated <- struct{}{}
}

func (s *stubSupervisor) Info() []worker.Info {
	if s.Impl.Info == nil {
		return []worker.Info{}
	}
	return s.Impl.Info()
}

type readyCount int

func (r readyCount) ReadyCount() int { return int(r) }

// remoteDescriptor builds a descriptor homed on another node.
func remoteDescriptor(id, host string, port int) *datasource.Descriptor {
	return &datasource.Descriptor{
		ID:   id,
		Type: datasource.Vector,
		DataStore: &datasource.DataStore{
			Type:  datasource.Vector,
			Store: datasource.StoreMBTiles,
			Host:  pointer.Ref(host),
			Port:  pointer.Ref(port),
		},
	}
}
