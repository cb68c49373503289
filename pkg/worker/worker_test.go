package worker_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geoforge/tilerd/pkg/configs/dispatcher"
	"github.com/geoforge/tilerd/pkg/tiles"
	"github.com/geoforge/tilerd/pkg/worker"
	testutilctx "github.com/geoforge/tilerd/internal/testutils/context"
)

// fakeLauncher stands in for the python runtimes: each launch binds a
// real loopback HTTP server on the assigned port.
type fakeLauncher struct {
	handler func(port int) http.Handler

	mu       sync.Mutex
	nextPID  int
	launched []*fakeProc
}

func (l *fakeLauncher) Launch(port int) (worker.Process, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.nextPID++
	pid := 9000 + l.nextPID
	l.mu.Unlock()

	var tileHandler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "tile-from-%d", port)
	})
	if l.handler != nil {
		tileHandler = l.handler(port)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "ok"}`)
	})
	mux.Handle("/api/tile/", tileHandler)

	p := &fakeProc{
		pid:  pid,
		port: port,
		srv:  &http.Server{Handler: mux},
		done: make(chan struct{}),
	}
	go func() { _ = p.srv.Serve(listener) }()

	l.mu.Lock()
	l.launched = append(l.launched, p)
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched[i]
}

func (l *fakeLauncher) exitByPort(port int) {
	l.mu.Lock()
	procs := make([]*fakeProc, len(l.launched))
	copy(procs, l.launched)
	l.mu.Unlock()
	for _, p := range procs {
		if p.port == port {
			p.exit()
		}
	}
}

type fakeProc struct {
	pid  int
	port int
	srv  *http.Server

	mu     sync.Mutex
	exited bool
	termed bool
	done   chan struct{}
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Signal(os.Signal) error {
	p.mu.Lock()
	p.termed = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProc) Kill() error {
	p.exit()
	return nil
}

func (p *fakeProc) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProc) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	_ = p.srv.Close()
	close(p.done)
}

func (p *fakeProc) terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termed
}

func testConfig(t *testing.T, portFrom, portTo, processes, timeoutSec int) *dispatcher.Config {
	t.Helper()
	conf, err := dispatcher.Unmarshal([]byte(fmt.Sprintf(`{
		"type": "granian",
		"host": "127.0.0.1",
		"port": 8080,
		"processes_workers": %d,
		"worker_port_from": %d,
		"worker_port_to": %d,
		"timeout_worker_response": %d,
		"max_concurrent_tile_requests": 16
	}`, processes, portFrom, portTo, timeoutSec)))
	if err != nil {
		t.Fatal(err)
	}
	return conf
}

func newTestPool(t *testing.T, conf *dispatcher.Config, launcher worker.Launcher, options ...worker.Option) *worker.Pool {
	t.Helper()
	base := []worker.Option{
		worker.WithLauncher(launcher),
		worker.WithProbeInterval(20 * time.Millisecond),
		worker.WithStartupWindow(3 * time.Second),
		worker.WithStopGrace(200 * time.Millisecond),
	}
	p := worker.New(conf, append(base, options...)...)
	t.Cleanup(p.Close)
	return p
}

func waitReady(t *testing.T, p *worker.Pool, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.ReadyCount() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pool never reached %d ready workers (have %d)", want, p.ReadyCount())
}

func coordAt(z int) tiles.Coordinate {
	return tiles.Coordinate{DatasourceID: "dem", Z: z, X: 0, Y: 0, Ext: tiles.PNG}
}

func TestPool_generateHitsAReadyWorker(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	launcher := &fakeLauncher{}
	conf := testConfig(t, 43511, 43520, 2, 5)
	pool := newTestPool(t, conf, launcher)

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitReady(t, pool, 2)

	tile, err := pool.Generate(ctx, coordAt(1))
	if err != nil {
		t.Fatal(err)
	}
	if tile.Empty {
		t.Error("unexpected empty answer")
	}
	if !strings.HasPrefix(string(tile.Payload), "tile-from-") {
		t.Errorf("unexpected payload: %q", tile.Payload)
	}

	infos := pool.Info()
	if len(infos) != 2 {
		t.Fatalf("got %d slots, want 2", len(infos))
	}
	for _, info := range infos {
		if info.State != worker.Ready {
			t.Errorf("slot %s state = %s, want ready", info.Address, info.State)
		}
		if info.InFlight != 0 {
			t.Errorf("slot %s in_flight = %d, want 0", info.Address, info.InFlight)
		}
		if info.Generation != 0 {
			t.Errorf("slot %s generation = %d, want 0", info.Address, info.Generation)
		}
	}
}

func TestPool_generateRelaysAnEmptyAnswer(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	launcher := &fakeLauncher{handler: func(int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}}
	conf := testConfig(t, 43531, 43535, 1, 5)
	pool := newTestPool(t, conf, launcher)

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitReady(t, pool, 1)

	tile, err := pool.Generate(ctx, coordAt(1))
	if err != nil {
		t.Fatal(err)
	}
	if !tile.Empty {
		t.Error("answer should be empty")
	}
}

func TestPool_generateWithoutWorkers(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	conf := testConfig(t, 43541, 43545, 1, 5)
	pool := newTestPool(t, conf, &fakeLauncher{})

	if _, err := pool.Generate(ctx, coordAt(1)); !errors.Is(err, worker.ErrNoWorkers) {
		t.Errorf("got %v, want ErrNoWorkers", err)
	}
}

func TestPool_generateSurfacesWorkerStatus(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	launcher := &fakeLauncher{handler: func(int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gdal blew up", http.StatusInternalServerError)
		})
	}}
	conf := testConfig(t, 43551, 43555, 1, 5)
	pool := newTestPool(t, conf, launcher)

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitReady(t, pool, 1)

	_, err := pool.Generate(ctx, coordAt(1))
	statusErr := &worker.StatusError{}
	if !errors.As(err, &statusErr) {
		t.Fatalf("got %v, want a StatusError", err)
	}
	if statusErr.Code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", statusErr.Code)
	}
}

func TestPool_generateTimesOut(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	gate := make(chan struct{})
	defer close(gate)

	launcher := &fakeLauncher{handler: func(int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-gate
		})
	}}
	conf := testConfig(t, 43561, 43565, 1, 1)
	pool := newTestPool(t, conf, launcher)

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitReady(t, pool, 1)

	if _, err := pool.Generate(ctx, coordAt(1)); !errors.Is(err, worker.ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}

func TestPool_dispatchPrefersTheIdleWorker(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	gate := make(chan struct{})
	slowPort := atomic.Int64{}
	launcher := &fakeLauncher{handler: func(port int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.Path, "/9/") {
				slowPort.Store(int64(port))
				<-gate
			}
			fmt.Fprintf(w, "tile-from-%d", port)
		})
	}}
	conf := testConfig(t, 43571, 43580, 2, 5)
	pool := newTestPool(t, conf, launcher)

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitReady(t, pool, 2)

	slowDone := make(chan error, 1)
	go func() {
		_, err := pool.Generate(ctx, coordAt(9))
		slowDone <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && slowPort.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if slowPort.Load() == 0 {
		t.Fatal("slow request never reached a worker")
	}

	tile, err := pool.Generate(ctx, coordAt(1))
	if err != nil {
		t.Fatal(err)
	}
	busy := fmt.Sprintf("tile-from-%d", slowPort.Load())
	if string(tile.Payload) == busy {
		t.Error("request landed on the busy worker")
	}

	close(gate)
	if err := <-slowDone; err != nil {
		t.Fatal(err)
	}
}

func TestPool_workerDyingMidRequest(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	launcher := &fakeLauncher{}
	launcher.handler = func(port int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.Path, "/9/") {
				launcher.exitByPort(port)
				return
			}
			fmt.Fprintf(w, "tile-from-%d", port)
		})
	}
	conf := testConfig(t, 43581, 43585, 1, 5)
	pool := newTestPool(t, conf, launcher)

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitReady(t, pool, 1)

	if _, err := pool.Generate(ctx, coordAt(9)); !errors.Is(err, worker.ErrCrashed) {
		t.Errorf("got %v, want ErrCrashed", err)
	}
}

func TestPool_crashedWorkerRespawns(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	launcher := &fakeLauncher{}
	conf := testConfig(t, 43591, 43595, 1, 5)
	pool := newTestPool(t, conf, launcher)

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitReady(t, pool, 1)
	before := pool.Info()[0]

	launcher.proc(0).exit()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		infos := pool.Info()
		if len(infos) == 1 && infos[0].State == worker.Ready && infos[0].PID != before.PID {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	after := pool.Info()[0]
	if after.PID == before.PID {
		t.Fatal("worker was not respawned")
	}
	if after.Address != before.Address {
		t.Errorf("respawn moved ports: %s -> %s", before.Address, after.Address)
	}
	if _, err := pool.Generate(ctx, coordAt(1)); err != nil {
		t.Errorf("respawned worker does not serve: %v", err)
	}
}

func TestPool_reloadReplacesEveryWorker(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	launcher := &fakeLauncher{}
	conf := testConfig(t, 43601, 43610, 2, 5)
	pool := newTestPool(t, conf, launcher, worker.WithDrainBudget(200*time.Millisecond))

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitReady(t, pool, 2)

	oldPIDs := map[int]bool{}
	for _, info := range pool.Info() {
		oldPIDs[info.PID] = true
	}

	pool.ReloadAll(ctx)

	infos := pool.Info()
	if len(infos) != 2 {
		t.Fatalf("got %d slots after reload, want 2", len(infos))
	}
	for _, info := range infos {
		if oldPIDs[info.PID] {
			t.Errorf("slot %s still runs the old pid %d", info.Address, info.PID)
		}
		if info.Generation != 1 {
			t.Errorf("slot %s generation = %d, want 1", info.Address, info.Generation)
		}
		if info.State != worker.Ready {
			t.Errorf("slot %s state = %s, want ready", info.Address, info.State)
		}
	}
	if got := launcher.count(); got != 4 {
		t.Errorf("launched %d workers in total, want 4", got)
	}
	if !launcher.proc(0).terminated() || !launcher.proc(1).terminated() {
		t.Error("old workers were not asked to stop gracefully")
	}
}

func TestPool_reloadKeepsAnUndrainableWorker(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	gate := make(chan struct{})
	launcher := &fakeLauncher{handler: func(port int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.Path, "/9/") {
				<-gate
			}
			fmt.Fprintf(w, "tile-from-%d", port)
		})
	}}
	conf := testConfig(t, 43611, 43615, 1, 5)
	pool := newTestPool(t, conf, launcher, worker.WithDrainBudget(150*time.Millisecond))

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitReady(t, pool, 1)
	before := pool.Info()[0]

	slowDone := make(chan error, 1)
	go func() {
		_, err := pool.Generate(ctx, coordAt(9))
		slowDone <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if infos := pool.Info(); len(infos) == 1 && infos[0].InFlight == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	firstDone := make(chan struct{})
	go func() {
		pool.ReloadAll(ctx)
		close(firstDone)
	}()
	time.Sleep(30 * time.Millisecond)

	// a second trigger is absorbed by the one in progress
	started := time.Now()
	pool.ReloadAll(ctx)
	if d := time.Since(started); d > 100*time.Millisecond {
		t.Errorf("overlapping reload blocked for %s", d)
	}
	<-firstDone

	after := pool.Info()[0]
	if after.PID != before.PID {
		t.Error("undrainable worker was replaced")
	}
	if after.State != worker.Ready {
		t.Errorf("state = %s, want ready", after.State)
	}
	if got := launcher.count(); got != 1 {
		t.Errorf("launched %d workers in total, want 1", got)
	}

	close(gate)
	if err := <-slowDone; err != nil {
		t.Fatal(err)
	}
}

func TestPool_addWorkersGrowsThePool(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	launcher := &fakeLauncher{}
	conf := testConfig(t, 43621, 43630, 1, 5)
	pool := newTestPool(t, conf, launcher)

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitReady(t, pool, 1)

	if err := pool.AddWorkers(ctx, 2); err != nil {
		t.Fatal(err)
	}
	waitReady(t, pool, 3)

	ports := map[string]bool{}
	for _, info := range pool.Info() {
		ports[info.Address] = true
	}
	if len(ports) != 3 {
		t.Errorf("expected 3 distinct worker addresses, got %v", ports)
	}
}

func TestPool_addWorkersRunsOutOfPorts(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	launcher := &fakeLauncher{}
	conf := testConfig(t, 43641, 43641, 1, 5)
	pool := newTestPool(t, conf, launcher)

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitReady(t, pool, 1)

	if err := pool.AddWorkers(ctx, 1); !errors.Is(err, worker.ErrNoPorts) {
		t.Errorf("got %v, want ErrNoPorts", err)
	}
}

func TestPool_terminateAll(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	launcher := &fakeLauncher{}
	conf := testConfig(t, 43651, 43660, 2, 5)
	pool := newTestPool(t, conf, launcher)

	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitReady(t, pool, 2)

	pool.TerminateAll()

	if infos := pool.Info(); len(infos) != 0 {
		t.Errorf("slots remain after terminate: %v", infos)
	}
	if _, err := pool.Generate(ctx, coordAt(1)); !errors.Is(err, worker.ErrNoWorkers) {
		t.Errorf("got %v, want ErrNoWorkers", err)
	}
	if !launcher.proc(0).terminated() || !launcher.proc(1).terminated() {
		t.Error("workers were not asked to stop gracefully")
	}
}

func TestPool_scheduledReloadsDisabled(t *testing.T) {
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	defer cancel()

	conf := testConfig(t, 43661, 43665, 1, 5)
	pool := newTestPool(t, conf, &fakeLauncher{})

	done := make(chan error, 1)
	go func() { done <- pool.RunScheduledReloads(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("RunScheduledReloads blocked with no reload_time configured")
	}
}
