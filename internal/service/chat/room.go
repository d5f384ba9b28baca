package chat

import (
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zhouzirui/talkroom/backend/internal/model/chat"
	"github.com/zhouzirui/talkroom/backend/internal/reconcile"
	"github.com/zhouzirui/talkroom/backend/internal/scroll"
)

// Snapshot is one immutable render sequence. Consumers must not modify it.
type Snapshot struct {
	Version uint64        `json:"version"`
	Seq     uint64        `json:"seq"`
	Records []chat.Record `json:"records"`
	Errors  []string      `json:"errors,omitempty"`
}

// Room owns the reconciliation pipeline and scroll state of one chat-room
// surface. All state changes run on a single loop goroutine; the exported
// methods only enqueue work and are safe for concurrent use.
type Room struct {
	info       chat.Room
	opts       Options
	metrics    *Metrics
	workers    *semaphore.Weighted
	reconciler *reconcile.Reconciler
	controller *scroll.Controller
	heuristics *scroll.Heuristics
	hub        *hub

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan func()
	stopped chan struct{}

	// inflight counts batches still decoding; idle is closed while it is zero.
	inflightMu sync.Mutex
	inflight   int
	idle       chan struct{}

	issued   atomic.Uint64
	snapshot atomic.Pointer[Snapshot]

	targetMu        sync.Mutex
	nextTarget      chat.ScrollTarget
	targetScheduled bool

	// Loop-owned state below.
	version        uint64
	viewport       scroll.Viewport
	fetching       bool
	latestSeen     bool
	latestValue    bool
	highlight      *HighlightPayload
	highlightTimer *time.Timer
	highlightGen   uint64
	timeouts       *sendTimeouts
	failed         map[string]struct{}
}

func newRoom(info chat.Room, opts Options, metrics *Metrics, workers *semaphore.Weighted) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		info:       info,
		opts:       opts,
		metrics:    metrics,
		workers:    workers,
		reconciler: reconcile.New(reconcile.Options{Direction: info.Layout, EchoWindow: opts.EchoWindow}),
		heuristics: scroll.NewHeuristics(opts.Thresholds, info.Layout, info.LocalUserID),
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan func(), 64),
		stopped:    make(chan struct{}),
		failed:     make(map[string]struct{}),
		idle:       make(chan struct{}),
	}
	close(r.idle)
	r.controller = scroll.NewController(scroll.AnchorConfig{
		Direction:   info.Layout,
		MaxAttempts: opts.RefineAttempts,
		Tolerance:   opts.AlignTolerance,
		OnFinish: func(outcome scroll.Outcome) {
			metrics.campaigns.WithLabelValues(string(outcome)).Inc()
		},
	})
	r.hub = newHub(info.ID, metrics.droppedEvents.Inc)
	r.timeouts = newSendTimeouts(opts.SendTimeout, func(localID string, token uint64) {
		_ = r.post(func() { r.expireSend(localID, token) })
	})
	r.snapshot.Store(&Snapshot{Records: []chat.Record{}})

	go r.run()
	return r
}

// Info describes the room.
func (r *Room) Info() chat.Room { return r.info }

// Snapshot returns the current render sequence.
func (r *Room) Snapshot() *Snapshot { return r.snapshot.Load() }

// Subscribe returns a channel of room events and a function that releases it.
func (r *Room) Subscribe() (<-chan Event, func()) { return r.hub.subscribe() }

// SetMessagesBatch hands a serialized batch to the pipeline and returns its
// sequence number. Decoding runs off the loop; only the result of the latest
// issued batch is ever applied.
func (r *Room) SetMessagesBatch(payload []byte) (uint64, error) {
	if r.ctx.Err() != nil {
		return 0, ErrRoomClosed
	}

	seq := r.issued.Add(1)
	r.beginBatch()
	go func() {
		defer r.endBatch()
		if err := r.workers.Acquire(r.ctx, 1); err != nil {
			return
		}
		start := time.Now()
		records, diagnostics := reconcile.Decode(payload)
		sorted := r.reconciler.DedupSort(records)
		r.workers.Release(1)
		r.metrics.observePipeline(time.Since(start))

		_ = r.post(func() { r.applyBatch(seq, sorted, diagnostics) })
	}()
	return seq, nil
}

// SetScrollTarget replaces the active scroll target. Targets set faster than
// the loop consumes them collapse into the most recent one. A blank talk id
// cancels the running campaign.
func (r *Room) SetScrollTarget(target chat.ScrollTarget) error {
	if r.ctx.Err() != nil {
		return ErrRoomClosed
	}

	r.targetMu.Lock()
	r.nextTarget = target
	scheduled := r.targetScheduled
	r.targetScheduled = true
	r.targetMu.Unlock()

	if scheduled {
		return nil
	}
	return r.post(func() {
		r.targetMu.Lock()
		target := r.nextTarget
		r.targetScheduled = false
		r.targetMu.Unlock()
		r.startCampaign(target)
	})
}

// SetIsFetchingNextPage gates history requests while a page is in flight.
func (r *Room) SetIsFetchingNextPage(fetching bool) error {
	return r.post(func() { r.fetching = fetching })
}

// SetScrollToLatest is edge triggered: the first value only sets the
// baseline, every later change jumps to the newest message.
func (r *Room) SetScrollToLatest(value bool) error {
	return r.post(func() {
		if !r.latestSeen {
			r.latestSeen = true
			r.latestValue = value
			return
		}
		if value == r.latestValue {
			return
		}
		r.latestValue = value
		r.startCampaign(chat.ScrollTarget{TalkID: chat.LatestTarget, Alignment: chat.AlignBottom})
	})
}

// ReportViewport records the host's live scroll position.
func (r *Room) ReportViewport(vp scroll.Viewport) error {
	return r.post(func() {
		vp.Reported = true
		r.viewport = vp
		if r.heuristics.ShouldRequestHistory(len(r.Snapshot().Records), vp, r.fetching) {
			r.reachTop()
		}
	})
}

// ReportLayout feeds a post-frame measurement to the running campaign.
func (r *Room) ReportLayout(report scroll.LayoutReport) error {
	return r.post(func() {
		r.dispatch(r.controller.OnLayout(report), false)
	})
}

// Flush waits until every batch submitted before the call has been applied or
// discarded and the loop has drained the work queued before it. It is safe to
// call while other goroutines keep submitting.
func (r *Room) Flush(ctx context.Context) error {
	r.inflightMu.Lock()
	idle := r.idle
	r.inflightMu.Unlock()
	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	if err := r.post(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) beginBatch() {
	r.inflightMu.Lock()
	if r.inflight == 0 {
		r.idle = make(chan struct{})
	}
	r.inflight++
	r.inflightMu.Unlock()
}

func (r *Room) endBatch() {
	r.inflightMu.Lock()
	r.inflight--
	if r.inflight == 0 {
		close(r.idle)
	}
	r.inflightMu.Unlock()
}

// Close stops the loop, every timer, and all subscriptions.
func (r *Room) Close() {
	r.cancel()
	<-r.stopped
}

func (r *Room) run() {
	defer close(r.stopped)
	for {
		select {
		case <-r.ctx.Done():
			r.timeouts.stopAll()
			if r.highlightTimer != nil {
				r.highlightTimer.Stop()
			}
			r.controller.Cancel()
			r.hub.close()
			return
		case fn := <-r.events:
			fn()
		}
	}
}

func (r *Room) post(fn func()) error {
	select {
	case <-r.ctx.Done():
		return ErrRoomClosed
	default:
	}
	select {
	case r.events <- fn:
		return nil
	case <-r.ctx.Done():
		return ErrRoomClosed
	}
}

func (r *Room) applyBatch(seq uint64, records []chat.Record, diagnostics []string) {
	if latest := r.issued.Load(); seq != latest {
		r.metrics.batches.WithLabelValues("stale").Inc()
		log.Printf("[pipeline] discarded stale batch room=%s seq=%d latest=%d", r.info.ID, seq, latest)
		return
	}
	r.metrics.batches.WithLabelValues("applied").Inc()

	prev := r.Snapshot()
	next := r.swap(seq, r.trackSends(records), diagnostics)

	if len(diagnostics) > 0 {
		r.metrics.decodeErrors.Add(float64(len(diagnostics)))
		log.Printf("[pipeline] batch had invalid records room=%s seq=%d count=%d", r.info.ID, seq, len(diagnostics))
		r.publish(EventMessagesInvalid, InvalidPayload{Seq: seq, Errors: diagnostics})
	}

	cmds := r.controller.OnSequence(next.Records)
	if !r.controller.Active() && !r.controller.Awaiting() &&
		r.heuristics.ShouldAutoScroll(prev.Records, next.Records, r.viewport) {
		r.metrics.autoScrolls.Inc()
		r.clearHighlight()
		cmds = append(cmds, r.controller.Start(next.Records, chat.ScrollTarget{TalkID: chat.LatestTarget, Alignment: chat.AlignBottom})...)
	}
	r.dispatch(cmds, false)

	if r.heuristics.ShouldRequestHistory(len(next.Records), r.viewport, r.fetching) {
		r.reachTop()
	}
}

func (r *Room) swap(seq uint64, records []chat.Record, diagnostics []string) *Snapshot {
	r.version++
	next := &Snapshot{Version: r.version, Seq: seq, Records: records, Errors: diagnostics}
	r.snapshot.Store(next)
	r.publish(EventSequence, next)
	return next
}

// trackSends arms a timeout for every pending optimistic send, stops the
// timers of sends that got confirmed or disappeared, and keeps sends that
// already timed out marked as failed.
func (r *Room) trackSends(records []chat.Record) []chat.Record {
	pending := make(map[string]bool)
	for i, rec := range records {
		if rec.Status != chat.StatusPending || !rec.HasLocalID() {
			continue
		}
		id := strings.TrimSpace(rec.LocalID)
		pending[id] = true
		if _, ok := r.failed[id]; ok {
			records[i] = rec.WithStatus(chat.StatusFail)
			continue
		}
		r.timeouts.arm(id)
	}
	r.timeouts.retain(pending)
	for id := range r.failed {
		if !pending[id] {
			delete(r.failed, id)
		}
	}
	return records
}

func (r *Room) expireSend(localID string, token uint64) {
	if !r.timeouts.take(localID, token) {
		return
	}
	r.failed[localID] = struct{}{}
	r.metrics.sendTimeouts.Inc()
	log.Printf("[room] send timed out room=%s localId=%s", r.info.ID, localID)

	current := r.Snapshot()
	records := make([]chat.Record, len(current.Records))
	copy(records, current.Records)
	for i, rec := range records {
		if rec.Status == chat.StatusPending && strings.TrimSpace(rec.LocalID) == localID {
			records[i] = rec.WithStatus(chat.StatusFail)
		}
	}
	r.publish(EventSendTimeout, SendTimeoutPayload{LocalID: localID})
	r.swap(current.Seq, records, current.Errors)
}

func (r *Room) startCampaign(target chat.ScrollTarget) {
	r.clearHighlight()
	if strings.TrimSpace(target.TalkID) == "" {
		r.controller.Cancel()
		return
	}
	if target.Alignment == "" {
		target.Alignment = chat.AlignCenter
	}
	r.dispatch(r.controller.Start(r.Snapshot().Records, target), true)
}

// dispatch turns controller commands into events. History requests pass the
// shared gate; force lets a fresh campaign ask even if the length is unchanged.
func (r *Room) dispatch(cmds []scroll.Command, force bool) {
	for _, cmd := range cmds {
		switch cmd.Kind {
		case scroll.CommandRequestHistory:
			if r.heuristics.AllowHistory(len(r.Snapshot().Records), r.fetching, force) {
				r.reachTop()
			}
		case scroll.CommandHighlight:
			r.showHighlight(cmd)
		default:
			r.publish(EventScroll, cmd)
		}
	}
}

func (r *Room) reachTop() {
	r.metrics.historyRequests.Inc()
	r.publish(EventReachTop, ReachTopPayload{Loaded: len(r.Snapshot().Records)})
}

func (r *Room) showHighlight(cmd scroll.Command) {
	r.clearHighlight()
	r.highlight = &HighlightPayload{Key: cmd.Key, Index: cmd.Index, On: true}
	r.publish(EventHighlight, *r.highlight)

	if r.opts.HighlightDuration <= 0 {
		return
	}
	r.highlightGen++
	gen := r.highlightGen
	r.highlightTimer = time.AfterFunc(r.opts.HighlightDuration, func() {
		_ = r.post(func() {
			if gen == r.highlightGen {
				r.clearHighlight()
			}
		})
	})
}

func (r *Room) clearHighlight() {
	if r.highlightTimer != nil {
		r.highlightTimer.Stop()
		r.highlightTimer = nil
	}
	r.highlightGen++
	if r.highlight == nil {
		return
	}
	off := *r.highlight
	off.On = false
	r.highlight = nil
	r.publish(EventHighlight, off)
}

func (r *Room) publish(typ EventType, data any) {
	r.hub.publish(Event{Type: typ, RoomID: r.info.ID, Data: data, At: time.Now().UTC()})
}
