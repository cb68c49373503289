// Package worker supervises the pool of tile-generation child
// processes and dispatches tile requests across them.
//
// Each pool slot owns one child listening on a loopback port. Slots
// are probed to readiness over their health endpoint, respawned with
// backoff when the child dies, and drained one at a time during a
// rolling reload.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/geoforge/tilerd/pkg/configs/dispatcher"
	xe "github.com/geoforge/tilerd/pkg/errors"
	"github.com/geoforge/tilerd/pkg/loop"
	"github.com/geoforge/tilerd/pkg/tiles"
)

// State of one pool slot.
type State string

const (
	Starting State = "starting"
	Ready    State = "ready"
	Draining State = "draining"
	Stopped  State = "stopped"
)

var (
	// ErrNoWorkers is returned by Generate when no slot is ready.
	ErrNoWorkers = errors.New("no ready workers")

	// ErrNoPorts is returned when the configured port range has no
	// free port left for a new slot.
	ErrNoPorts = errors.New("no free worker ports in range")

	// ErrTimeout is returned when a worker does not answer within the
	// response budget.
	ErrTimeout = errors.New("worker response timed out")

	// ErrCrashed is returned when the connection to a worker dies
	// mid-request.
	ErrCrashed = errors.New("worker exited while serving")
)

// StatusError is a non-tile answer from a worker.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("worker responded %d", e.Code)
}

// Tile is one generation answer. Empty means the worker answered
// no-content for the coordinate.
type Tile struct {
	Empty   bool
	Payload []byte
}

// Info is a snapshot of one slot.
type Info struct {
	PID        int    `json:"pid"`
	Address    string `json:"addr"`
	State      State  `json:"state"`
	InFlight   int    `json:"in_flight"`
	Generation int    `json:"generation"`
}

type slot struct {
	port       int
	generation int

	mu       sync.Mutex
	state    State
	inFlight int
	proc     Process
	pid      int
	exited   chan struct{}
	idle     chan struct{}
}

func (s *slot) load() (State, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.inFlight
}

func (s *slot) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *slot) acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
}

func (s *slot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if s.inFlight == 0 && s.state == Draining && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

// beginDrain stops routing to the slot and returns a channel closed
// once its last in-flight request completes.
func (s *slot) beginDrain() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	done := make(chan struct{})
	s.state = Draining
	if s.inFlight == 0 {
		close(done)
		return done
	}
	s.idle = done
	return done
}

// reopen puts a slot that could not be drained back into routing.
func (s *slot) reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Draining {
		s.state = Ready
		s.idle = nil
	}
}

// markStopped takes the slot out of supervision. Returns nils when it
// was already stopped.
func (s *slot) markStopped() (Process, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return nil, nil
	}
	s.state = Stopped
	return s.proc, s.exited
}

func (s *slot) current() (Process, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc, s.exited
}

func (s *slot) replaceProc(proc Process, exited chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = proc
	s.exited = exited
	s.pid = proc.PID()
	s.state = Starting
}

func (s *slot) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		PID:        s.pid,
		Address:    fmt.Sprintf("127.0.0.1:%d", s.port),
		State:      s.state,
		InFlight:   s.inFlight,
		Generation: s.generation,
	}
}

// Pool owns the worker slots of this node.
//
// To get an instance, use New and then Start. Generate is safe for
// concurrent use; lifecycle methods serialize internally.
type Pool struct {
	conf     *dispatcher.Config
	launcher Launcher
	client   *http.Client
	logger   *log.Logger

	probeInterval time.Duration
	startupWindow time.Duration
	stopGrace     time.Duration
	drainBudget   time.Duration

	mu         sync.Mutex
	slots      []*slot
	next       int
	generation int
	reloading  bool
	closed     bool
}

type Option func(*Pool) *Pool

func WithLogger(l *log.Logger) Option {
	return func(p *Pool) *Pool {
		p.logger = l
		return p
	}
}

func WithLauncher(l Launcher) Option {
	return func(p *Pool) *Pool {
		p.launcher = l
		return p
	}
}

func WithProbeInterval(d time.Duration) Option {
	return func(p *Pool) *Pool {
		p.probeInterval = d
		return p
	}
}

func WithStartupWindow(d time.Duration) Option {
	return func(p *Pool) *Pool {
		p.startupWindow = d
		return p
	}
}

func WithStopGrace(d time.Duration) Option {
	return func(p *Pool) *Pool {
		p.stopGrace = d
		return p
	}
}

func WithDrainBudget(d time.Duration) Option {
	return func(p *Pool) *Pool {
		p.drainBudget = d
		return p
	}
}

func New(conf *dispatcher.Config, options ...Option) *Pool {
	p := &Pool{
		conf:          conf,
		launcher:      CommandLauncher{Config: conf, Env: Environ(os.Environ())},
		client:        &http.Client{},
		logger:        log.New("worker"),
		probeInterval: time.Second,
		startupWindow: 60 * time.Second,
		stopGrace:     10 * time.Second,
		drainBudget:   conf.DrainBudget(),
	}
	for _, opt := range options {
		p = opt(p)
	}
	return p
}

// Start spawns the configured number of workers. They join routing as
// their readiness probes succeed; Start does not wait for that.
func (p *Pool) Start(ctx context.Context) error {
	return p.AddWorkers(ctx, p.conf.ProcessesWorkers)
}

// AddWorkers grows the pool by n slots.
func (p *Pool) AddWorkers(ctx context.Context, n int) error {
	p.mu.Lock()
	generation := p.generation
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		if _, err := p.spawn(ctx, generation); err != nil {
			return err
		}
	}
	return nil
}

// Generate forwards the coordinate to a worker and relays its answer.
//
// Returns:
//
// - Tile: the generated payload, or an Empty answer.
//
// - error: ErrNoWorkers, ErrTimeout, ErrCrashed, a *StatusError for
// other non-tile statuses, or ctx's error when the caller left first.
func (p *Pool) Generate(ctx context.Context, coord tiles.Coordinate) (Tile, error) {
	s := p.pick()
	if s == nil {
		return Tile{}, ErrNoWorkers
	}
	defer s.release()

	rctx, cancel := context.WithTimeout(ctx, p.conf.WorkerTimeout())
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/tile/%s", s.port, coord.Fingerprint())
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return Tile{}, xe.Wrap(err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Tile{}, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return Tile{}, ErrTimeout
		default:
			return Tile{}, fmt.Errorf("%w: %v", ErrCrashed, err)
		}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return Tile{}, ErrTimeout
			}
			return Tile{}, fmt.Errorf("%w: %v", ErrCrashed, err)
		}
		return Tile{Payload: payload}, nil
	case http.StatusNoContent:
		return Tile{Empty: true}, nil
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Tile{}, &StatusError{Code: resp.StatusCode}
	}
}

// pick chooses the ready slot with the fewest requests in flight,
// scanning round-robin from the previous pick so ties rotate. The
// chosen slot is acquired before pick returns.
func (p *Pool) pick() *slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.slots)
	var chosen *slot
	chosenAt, best := 0, 0
	for i := 1; i <= n; i++ {
		at := (p.next + i) % n
		st, f := p.slots[at].load()
		if st != Ready {
			continue
		}
		if chosen == nil || f < best {
			chosen, chosenAt, best = p.slots[at], at, f
		}
	}
	if chosen == nil {
		return nil
	}
	p.next = chosenAt
	chosen.acquire()
	return chosen
}

// ReloadAll replaces every worker, one at a time: drain, terminate,
// spawn a successor, wait for it to come up. A worker that cannot be
// drained within the reload budget keeps running and is skipped. A
// reload arriving while one is in progress is absorbed by it.
func (p *Pool) ReloadAll(ctx context.Context) {
	p.mu.Lock()
	if p.reloading || p.closed {
		p.mu.Unlock()
		return
	}
	p.reloading = true
	p.generation++
	generation := p.generation
	current := slices.Clone(p.slots)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.reloading = false
		p.mu.Unlock()
	}()

	p.logger.Infof("reloading %d workers (generation %d)", len(current), generation)
	for _, s := range current {
		if ctx.Err() != nil {
			return
		}
		p.reloadOne(ctx, s, generation)
	}
}

func (p *Pool) reloadOne(ctx context.Context, s *slot, generation int) {
	select {
	case <-s.beginDrain():
	case <-time.After(p.drainBudget):
		p.logger.Warnf("worker on port %d did not drain within %s, keeping it", s.port, p.drainBudget)
		s.reopen()
		return
	case <-ctx.Done():
		s.reopen()
		return
	}

	p.stop(s)
	p.remove(s)

	ns, err := p.spawn(ctx, generation)
	if err != nil {
		p.logger.Errorf("spawning replacement worker: %s", err)
		return
	}
	if !p.awaitReady(ctx, ns) {
		p.logger.Warnf("replacement worker on port %d is not ready yet", ns.port)
	}
}

// TerminateAll stops every worker. The pool stays usable; AddWorkers
// can repopulate it.
func (p *Pool) TerminateAll() {
	p.mu.Lock()
	current := p.slots
	p.slots = nil
	p.next = 0
	p.mu.Unlock()

	wg := sync.WaitGroup{}
	for _, s := range current {
		wg.Add(1)
		go func(s *slot) {
			defer wg.Done()
			p.stop(s)
		}(s)
	}
	wg.Wait()
}

// Close terminates all workers and retires the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.TerminateAll()
}

// Info snapshots every slot, in spawn order.
func (p *Pool) Info() []Info {
	p.mu.Lock()
	slots := slices.Clone(p.slots)
	p.mu.Unlock()

	infos := make([]Info, 0, len(slots))
	for _, s := range slots {
		infos = append(infos, s.snapshot())
	}
	return infos
}

// ReadyCount reports how many slots currently accept requests.
func (p *Pool) ReadyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, s := range p.slots {
		if st, _ := s.load(); st == Ready {
			count++
		}
	}
	return count
}

// RunScheduledReloads fires ReloadAll at each configured reload_time.
// It blocks until ctx ends, or returns immediately when no reload is
// scheduled.
func (p *Pool) RunScheduledReloads(ctx context.Context) error {
	if _, ok := p.conf.NextReload(time.Now()); !ok {
		return nil
	}
	_, err := loop.Start(ctx, time.Time{}, func(ctx context.Context, scheduled time.Time) (time.Time, loop.Next) {
		if !scheduled.IsZero() {
			p.logger.Infof("scheduled reload at %s firing", scheduled.Format(time.TimeOnly))
			p.ReloadAll(ctx)
		}
		at, ok := p.conf.NextReload(time.Now())
		if !ok {
			return time.Time{}, loop.Break(nil)
		}
		return at, loop.Continue(time.Until(at))
	})
	return err
}

// spawn launches one worker on a free port and registers it in
// starting state. Its monitor goroutine promotes it to ready.
func (p *Pool) spawn(ctx context.Context, generation int) (*slot, error) {
	port, err := p.freePort()
	if err != nil {
		return nil, err
	}
	proc, err := p.launcher.Launch(port)
	if err != nil {
		return nil, err
	}

	exited := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(exited)
	}()

	s := &slot{
		port:       port,
		generation: generation,
		state:      Starting,
		proc:       proc,
		pid:        proc.PID(),
		exited:     exited,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = proc.Kill()
		return nil, errors.New("pool is closed")
	}
	p.slots = append(p.slots, s)
	p.mu.Unlock()

	p.logger.Infof("worker %d starting on port %d", s.pid, s.port)
	go p.monitor(ctx, s)
	return s, nil
}

// monitor owns the slot's lifecycle: probe it to readiness, watch for
// the child exiting, respawn with backoff unless the pool stopped it.
func (p *Pool) monitor(ctx context.Context, s *slot) {
	backoff := time.Second
	for {
		proc, exited := s.current()

		if p.probe(ctx, s, exited) {
			s.setState(Ready)
			p.logger.Infof("worker %d on port %d is ready", proc.PID(), s.port)
			backoff = time.Second
			select {
			case <-exited:
			case <-ctx.Done():
				return
			}
		} else {
			_ = proc.Kill()
			select {
			case <-exited:
			case <-ctx.Done():
				return
			}
		}

		if st, _ := s.load(); st == Stopped || ctx.Err() != nil {
			return
		}
		p.logger.Warnf("worker %d on port %d is gone, respawning in %s", proc.PID(), s.port, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}

		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		if st, _ := s.load(); st == Stopped {
			return
		}

		next, err := p.launcher.Launch(s.port)
		if err != nil {
			p.logger.Errorf("respawning worker on port %d: %s", s.port, err)
			continue
		}
		nextExited := make(chan struct{})
		go func() {
			_ = next.Wait()
			close(nextExited)
		}()
		s.replaceProc(next, nextExited)
	}
}

// probe polls the slot's health endpoint until it answers 200, the
// child exits, or the startup window closes.
func (p *Pool) probe(ctx context.Context, s *slot, exited <-chan struct{}) bool {
	deadline := time.NewTimer(p.startupWindow)
	defer deadline.Stop()
	tick := time.NewTicker(p.probeInterval)
	defer tick.Stop()

	for {
		if p.healthy(ctx, s.port) {
			return true
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return false
		case <-exited:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (p *Pool) healthy(ctx context.Context, port int) bool {
	rctx, cancel := context.WithTimeout(ctx, p.probeInterval)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/health", port)
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// awaitReady observes the slot until its monitor promotes it or the
// startup window passes.
func (p *Pool) awaitReady(ctx context.Context, s *slot) bool {
	deadline := time.NewTimer(p.startupWindow)
	defer deadline.Stop()
	tick := time.NewTicker(p.probeInterval)
	defer tick.Stop()

	for {
		if st, _ := s.load(); st == Ready {
			return true
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// stop marks the slot stopped and ends its child, SIGTERM first, then
// SIGKILL when the grace window passes.
func (p *Pool) stop(s *slot) {
	proc, exited := s.markStopped()
	if proc == nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		_ = proc.Kill()
		return
	}
	select {
	case <-exited:
	case <-time.After(p.stopGrace):
		p.logger.Warnf("worker %d ignored SIGTERM, killing it", proc.PID())
		_ = proc.Kill()
	}
}

func (p *Pool) remove(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if at := slices.Index(p.slots, s); at >= 0 {
		p.slots = slices.Delete(p.slots, at, at+1)
		if p.next >= len(p.slots) {
			p.next = 0
		}
	}
}

// freePort finds a bindable loopback port in the configured range not
// already assigned to a slot.
func (p *Pool) freePort() (int, error) {
	p.mu.Lock()
	used := map[int]bool{}
	for _, s := range p.slots {
		used[s.port] = true
	}
	p.mu.Unlock()

	for port := p.conf.WorkerPortFrom; port <= p.conf.WorkerPortTo; port++ {
		if used[port] {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		_ = l.Close()
		return port, nil
	}
	return 0, ErrNoPorts
}
