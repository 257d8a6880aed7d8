// Package sync implements the incremental pull cycle against the backend:
// paginated fetch of both message partitions, idempotent ingestion and
// watermark advancement.
package sync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gbarbosa/vox/internal/backend"
	"github.com/gbarbosa/vox/internal/bus"
	"github.com/gbarbosa/vox/internal/config"
	"github.com/gbarbosa/vox/internal/store"
)

// ErrSyncRunning means a cycle is already in flight; cycles never overlap.
var ErrSyncRunning = errors.New("sync cycle already running")

// Cycle states reported by Status.
const (
	StateIdle      = "idle"
	StateRunning   = "running"
	StateFinished  = "finished"
	StateCancelled = "cancelled"
	StateError     = "error"
)

// Lister fetches pages of the server-side message list.
type Lister interface {
	ListMessages(ctx context.Context, p backend.Partition, since, cursor string) (backend.MessagePage, error)
}

// Drainer replays pending compensating actions before a cycle pulls.
type Drainer interface {
	DrainAll(ctx context.Context) error
}

// Status is a snapshot of the engine for the control API.
type Status struct {
	State      string    `json:"state"`
	LastError  string    `json:"last_error,omitempty"`
	LastCycle  time.Time `json:"last_cycle,omitzero"`
	Watermark  string    `json:"watermark,omitempty"`
	LastCount  int       `json:"last_count"`
	LastFailed int       `json:"last_failed"`
}

// Engine runs sync cycles, either on the periodic interval or on demand.
type Engine struct {
	db        *store.DB
	lister    Lister
	drainer   Drainer
	bus       *bus.Bus
	cfg       config.Sync
	selfEmail string
	logger    *zap.Logger

	mu        sync.Mutex
	running   bool
	cancelRun context.CancelFunc
	status    Status

	loopCancel context.CancelFunc
	wg         sync.WaitGroup
	trigger    chan struct{}
}

// NewEngine creates the sync engine. drainer may be nil.
func NewEngine(db *store.DB, lister Lister, drainer Drainer, eb *bus.Bus, cfg config.Sync, selfEmail string, logger *zap.Logger) *Engine {
	return &Engine{
		db:        db,
		lister:    lister,
		drainer:   drainer,
		bus:       eb,
		cfg:       cfg,
		selfEmail: selfEmail,
		logger:    logger,
		status:    Status{State: StateIdle},
		trigger:   make(chan struct{}, 1),
	}
}

// Start begins the periodic cycle loop.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.loopCancel = cancel
	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop cancels any running cycle and the periodic loop.
func (e *Engine) Stop() {
	e.Cancel()
	if e.loopCancel != nil {
		e.loopCancel()
	}
	e.wg.Wait()
}

// Trigger requests an immediate cycle. A cycle already in flight absorbs
// the request.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Cancel aborts the running cycle, if any. Work already persisted stays.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancelRun
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status returns the current engine snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.status
	if wm, err := e.db.Watermark(); err == nil {
		s.Watermark = wm
	}
	return s
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.trigger:
		}
		if err := e.Run(ctx); err != nil && !errors.Is(err, ErrSyncRunning) && !errors.Is(err, context.Canceled) {
			e.logger.Warn("sync cycle failed", zap.Error(err))
		}
	}
}

// Run executes one full cycle: drain pending logouts, pull both
// partitions page by page, ingest each item, then advance the watermark
// only if every item of the cycle ingested cleanly.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrSyncRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancelRun = cancel
	e.status.State = StateRunning
	e.mu.Unlock()

	e.bus.Emit(bus.KindSyncStarted, bus.SyncEvent{})
	res, err := e.cycle(runCtx)

	e.mu.Lock()
	e.running = false
	e.cancelRun = nil
	e.status.LastCycle = time.Now()
	e.status.LastCount = len(res.messageIDs)
	e.status.LastFailed = res.failed
	switch {
	case err == nil:
		e.status.State = StateFinished
		e.status.LastError = ""
	case errors.Is(err, context.Canceled):
		e.status.State = StateCancelled
		e.status.LastError = ""
	default:
		e.status.State = StateError
		e.status.LastError = err.Error()
	}
	e.mu.Unlock()
	cancel()

	evt := bus.SyncEvent{MessageIDs: res.messageIDs, ChatIDs: res.chatIDs}
	switch {
	case err == nil:
		e.bus.Emit(bus.KindSyncFinished, evt)
	case errors.Is(err, context.Canceled):
		e.bus.Emit(bus.KindSyncCancelled, evt)
	default:
		evt.Err = err.Error()
		e.bus.Emit(bus.KindSyncError, evt)
	}
	return err
}

type cycleResult struct {
	messageIDs []int64
	chatIDs    []int64
	failed     int
}

func (e *Engine) cycle(ctx context.Context) (cycleResult, error) {
	var res cycleResult

	if e.drainer != nil {
		// Pending logouts ride along with connectivity; their failure
		// never blocks the pull.
		if err := e.drainer.DrainAll(ctx); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			e.logger.Warn("logout drain failed", zap.Error(err))
		}
	}

	since, err := e.since()
	if err != nil {
		return res, err
	}

	var maxCreated time.Time
	chatSeen := map[int64]bool{}

	for _, p := range []backend.Partition{backend.PartitionReceived, backend.PartitionSent} {
		cursor := ""
		for {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			page, err := e.lister.ListMessages(ctx, p, since, cursor)
			if err != nil {
				return res, err
			}

			var pageIDs []int64
			for i := range page.Messages {
				wm := &page.Messages[i]
				if wm.CreatedAt.After(maxCreated) {
					maxCreated = wm.CreatedAt
				}
				msgID, chatID, err := e.ingest(p, wm)
				if err != nil {
					res.failed++
					e.logger.Warn("ingest failed",
						zap.String("server_id", wm.ID), zap.Error(err))
					continue
				}
				res.messageIDs = append(res.messageIDs, msgID)
				pageIDs = append(pageIDs, msgID)
				if !chatSeen[chatID] {
					chatSeen[chatID] = true
					res.chatIDs = append(res.chatIDs, chatID)
				}
			}
			if len(pageIDs) > 0 {
				e.bus.Emit(bus.KindSyncProgress, bus.SyncEvent{MessageIDs: pageIDs})
			}

			if page.Next == "" {
				break
			}
			cursor = page.Next
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(e.cfg.PageDelay()):
			}
		}
	}

	// The watermark only moves forward, and only past items that are
	// safely on disk. Any failed item keeps it put so the next cycle sees
	// the item again.
	if res.failed == 0 && !maxCreated.IsZero() {
		cur, err := e.db.Watermark()
		if err != nil {
			return res, err
		}
		if prev, perr := time.Parse(time.RFC3339Nano, cur); cur == "" || perr != nil || maxCreated.After(prev) {
			if err := e.db.SetWatermark(maxCreated.UTC().Format(time.RFC3339Nano)); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// since resolves the cycle's lower bound: the stored watermark, or the
// lookback window on a first sync.
func (e *Engine) since() (string, error) {
	wm, err := e.db.Watermark()
	if err != nil {
		return "", err
	}
	if wm != "" {
		return wm, nil
	}
	return time.Now().Add(-e.cfg.Lookback()).UTC().Format(time.RFC3339Nano), nil
}

func (e *Engine) ingest(p backend.Partition, wm *backend.WireMessage) (int64, int64, error) {
	received := p == backend.PartitionReceived
	if received && !slices.Contains(wm.Recipients, e.selfEmail) {
		// The server should only hand us messages addressed to this
		// account. Keep the item, flag the discrepancy.
		e.logger.Warn("received message does not list this account",
			zap.String("server_id", wm.ID), zap.Strings("recipients", wm.Recipients))
	}

	rm := &store.RemoteMessage{
		ServerID:             wm.ID,
		SenderEmail:          wm.Sender,
		RecipientEmails:      wm.Recipients,
		AudioURL:             wm.AudioURL,
		ShortURL:             wm.ShortURL,
		Transcript:           wm.Transcript,
		TranscriptConfidence: wm.TranscriptConfidence,
		TranscriptLang:       wm.TranscriptLang,
		DurationMS:           wm.DurationMS,
		RegisteredAt:         wm.CreatedAt.UnixMilli(),
		Received:             received,
	}
	if wm.ReadAt != nil {
		rm.ReadAt = wm.ReadAt.UnixMilli()
	}

	msgID, chatID, err := e.db.IngestRemote(rm)
	if err != nil {
		return 0, 0, err
	}
	e.bus.Emit(bus.KindMessageUpserted, bus.SyncEvent{MessageIDs: []int64{msgID}, ChatIDs: []int64{chatID}})
	return msgID, chatID, nil
}
