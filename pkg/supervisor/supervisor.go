// Package supervisor watches the participant table of a segment and returns
// the chunks held by participants whose process has terminated.
//
// Scans push dead participants onto a queue; a worker pool drains it, walks
// each dead participant's ledger and releases every recorded chunk. A slot
// is only reclaimed after its owner is confirmed dead. At most one
// supervisor may run per segment.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/heptiolabs/healthcheck"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/shmipc-core/api"
	"github.com/srediag/shmipc-core/internal/logging"
	"github.com/srediag/shmipc-core/pkg/ledger"
	"github.com/srediag/shmipc-core/pkg/participant"
	"github.com/srediag/shmipc-core/pkg/relptr"
	"github.com/srediag/shmipc-core/pkg/shm"
)

const (
	DefaultScanInterval = 100 * time.Millisecond
	DefaultWorkers      = 4
)

var (
	ErrNotReclaimable    = errors.New("participant slot is not being reclaimed")
	ErrForeignLedger     = errors.New("ledger handle does not point into the segment")
	ErrSupervisorRunning = errors.New("supervisor already running")
	ErrSupervisorStopped = errors.New("supervisor stopped")
	ErrReclaimInProgress = errors.New("participant slot is already being reclaimed")
)

var log = logging.New("supervisor")

// Supervisor reclaims the resources of dead participants.
type Supervisor struct {
	views        *shm.Views
	scanInterval time.Duration
	workers      int
	alive        func(pid uint32) bool
	metrics      *Metrics
	reclaimer    api.Reclaimer
	self         uint32

	queue    *queue.Queue
	inflight *xsync.MapOf[int, struct{}]
	running  atomic.Bool
	lastScan atomic.Int64
	wg       sync.WaitGroup

	healthOnce sync.Once
	health     healthcheck.Handler
}

// New creates a supervisor over the shared structures of an attached segment.
func New(views *shm.Views, opts ...Option) *Supervisor {
	s := &Supervisor{
		views:        views,
		scanInterval: DefaultScanInterval,
		workers:      DefaultWorkers,
		alive:        pidAlive,
		self:         uint32(os.Getpid()),
		inflight:     xsync.NewMapOf[int, struct{}](),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("")
	}
	if s.reclaimer == nil {
		s.reclaimer = views.Chunks
	}
	if s.workers <= 0 {
		s.workers = 1
	}
	if s.scanInterval <= 0 {
		s.scanInterval = DefaultScanInterval
	}
	s.queue = queue.New(int64(views.Table.Len()))
	return s
}

func pidAlive(pid uint32) bool {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		// unknown is treated as alive; reclaiming a live participant corrupts it
		log.Warnf("check pid %d: %v", pid, err)
		return true
	}
	return ok
}

// Metrics returns the supervisor's collectors.
func (s *Supervisor) Metrics() *Metrics { return s.metrics }

// scan inspects the table once and queues newly detected dead participants.
// With orphans set, slots left in StateReclaiming by an earlier supervisor
// are queued too. It returns the number of slots queued.
func (s *Supervisor) scan(orphans bool) int {
	start := time.Now()
	defer func() {
		s.metrics.scanDuration.Observe(time.Since(start).Seconds())
		s.lastScan.Store(time.Now().UnixNano())
	}()

	var active, queued int
	for _, slot := range s.views.Table.Slots() {
		switch slot.State {
		case participant.StateClaimed, participant.StateActive:
			// pid 0: the claimer has not stored its pid yet
			if slot.PID == 0 || slot.PID == s.self || s.alive(slot.PID) {
				active++
				continue
			}
			if !s.views.Table.BeginReclaim(slot.Index) {
				continue
			}
			log.Infof("participant in slot %d (pid %d) is gone, queueing cleanup", slot.Index, slot.PID)
		case participant.StateReclaiming:
			if !orphans {
				continue
			}
			log.Warnf("slot %d was left mid-reclaim, queueing cleanup again", slot.Index)
		default:
			continue
		}
		if err := s.queue.Put(slot.Index); err != nil {
			log.Errorf("queue slot %d: %v", slot.Index, err)
			continue
		}
		queued++
	}
	s.metrics.activeParticipants.Set(float64(active))
	s.metrics.queueDepth.Set(float64(s.queue.Len()))
	return queued
}

// Scan inspects the table once and queues dead participants for cleanup.
func (s *Supervisor) Scan() int {
	return s.scan(false)
}

// Run scans the table every scan interval until ctx is done and reclaims
// dead participants on a worker pool. A supervisor runs at most once.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSupervisorRunning
	}
	defer s.running.Store(false)
	if s.queue.Disposed() {
		return ErrSupervisorStopped
	}

	pool, err := ants.NewPool(s.workers, ants.WithPanicHandler(func(p interface{}) {
		log.Errorf("cleanup worker panicked: %v", p)
	}))
	if err != nil {
		return fmt.Errorf("cleanup workers: %w", err)
	}
	defer pool.Release()

	s.wg.Add(1)
	go s.dispatch(pool)

	log.Infof("supervising segment %d: %d slots, scan every %s, %d workers",
		s.views.Segment.ID(), s.views.Table.Len(), s.scanInterval, s.workers)
	s.scan(true)

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, left := range s.queue.Dispose() {
				log.Warnf("supervisor stopping with slot %v still queued", left)
			}
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.scan(false)
		}
	}
}

func (s *Supervisor) dispatch(pool *ants.Pool) {
	defer s.wg.Done()
	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		items, err := s.queue.Get(1)
		if err != nil {
			if !errors.Is(err, queue.ErrDisposed) {
				log.Errorf("reclaim queue: %v", err)
			}
			return
		}
		s.metrics.queueDepth.Set(float64(s.queue.Len()))
		for _, item := range items {
			slot := item.(int)
			inflight.Add(1)
			err := pool.Submit(func() {
				defer inflight.Done()
				_, err := s.ReclaimParticipant(slot)
				switch {
				case err == nil, errors.Is(err, ErrReclaimInProgress), errors.Is(err, ErrNotReclaimable):
				default:
					log.Errorf("reclaim slot %d: %v", slot, err)
				}
			})
			if err != nil {
				inflight.Done()
				log.Errorf("submit cleanup of slot %d: %v", slot, err)
			}
		}
	}
}

// ReclaimParticipant cleans up a slot in StateReclaiming: every chunk in its
// ledger goes back to its pool and the slot is freed. It returns the number
// of chunks released. A damaged ledger is still emptied as far as it can be
// walked and ledger.ErrCorrupted is returned.
func (s *Supervisor) ReclaimParticipant(i int) (int, error) {
	if _, busy := s.inflight.LoadOrStore(i, struct{}{}); busy {
		return 0, fmt.Errorf("%w: slot %d", ErrReclaimInProgress, i)
	}
	defer s.inflight.Delete(i)
	slot, err := s.views.Table.Get(i)
	if err != nil {
		return 0, err
	}
	if slot.State != participant.StateReclaiming {
		return 0, fmt.Errorf("%w: slot %d is %s", ErrNotReclaimable, i, slot.State)
	}
	var released int
	if !slot.Ledger.IsNull() {
		l, err := s.attachLedger(slot.Ledger)
		if err != nil {
			s.metrics.reclaimErrors.WithLabelValues("ledger_attach").Inc()
			// the slot stays in StateReclaiming for inspection
			return 0, fmt.Errorf("slot %d: %w", i, err)
		}
		err = l.Cleanup(func(h relptr.Handle) {
			released++
			s.reclaimer.Reclaim(h)
		})
		s.metrics.reclaimedChunks.Add(float64(released))
		if err != nil {
			s.metrics.corruptedLedgers.Inc()
			log.Errorf("ledger of slot %d (pid %d) is corrupted, %d chunks recovered: %v", i, slot.PID, released, err)
			_ = s.views.Table.Free(i)
			return released, err
		}
	}
	if err := s.views.Table.Free(i); err != nil {
		return released, err
	}
	s.metrics.reclaimedParticipants.Inc()
	log.Infof("reclaimed slot %d (pid %d): %d chunks returned", i, slot.PID, released)
	return released, nil
}

func (s *Supervisor) attachLedger(h relptr.Handle) (*ledger.Ledger, error) {
	seg, off, err := s.views.Segment.Registry().Locate(h)
	if err != nil {
		return nil, err
	}
	if seg.ID != s.views.Segment.ID() {
		return nil, fmt.Errorf("%w: %s", ErrForeignLedger, h)
	}
	mem := s.views.Segment.Bytes()
	size := uint64(ledger.Size(s.views.Layout.LedgerCapacity))
	if off+size > uint64(len(mem)) {
		return nil, fmt.Errorf("%w: %s", ErrForeignLedger, h)
	}
	return ledger.Attach(mem[off : off+size])
}

// Healthy reports whether the scan loop made progress within three intervals.
func (s *Supervisor) Healthy() error {
	last := s.lastScan.Load()
	if last == 0 {
		return errors.New("no scan completed yet")
	}
	if age := time.Since(time.Unix(0, last)); age > 3*s.scanInterval {
		return fmt.Errorf("last scan %s ago", age.Round(time.Millisecond))
	}
	return nil
}
