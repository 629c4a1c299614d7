package aggregator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	appconfig "quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/logger"
	"quoteflow/models"
	"quoteflow/sink"
)

// EngineStats are the aggregation counters exposed to the control surface.
type EngineStats struct {
	Forwarded  int64 `json:"forwarded"`
	Rejected   int64 `json:"rejected"`
	Duplicates int64 `json:"duplicates"`
}

// Engine is the aggregation core: it drains the raw tick fan-in, gates
// each tick against the routing table, cleanses and dedups it, and
// forwards survivors downstream. Symbols are sharded across a fixed worker
// pool so each symbol's route and dedup window have exactly one writer,
// while distinct symbols proceed in parallel.
type Engine struct {
	cfg      appconfig.AggregatorConfig
	channels *channel.Channels
	sink     sink.Sink
	log      *logger.Entry

	shards []*shard

	forwarded  int64
	rejected   int64
	duplicates int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewEngine(cfg appconfig.AggregatorConfig, channels *channel.Channels, snk sink.Sink, accounts []models.Account) *Engine {
	nshards := cfg.Shards
	if nshards < 1 {
		nshards = 1
	}
	buffer := cfg.ShardBuffer
	if buffer < 1 {
		buffer = 256
	}

	e := &Engine{
		cfg:      cfg,
		channels: channels,
		sink:     snk,
		log:      logger.GetLogger().WithComponent("aggregator"),
	}

	e.shards = make([]*shard, nshards)
	for i := range e.shards {
		e.shards[i] = &shard{
			engine:  e,
			in:      make(chan shardMsg, buffer),
			routes:  make(map[string]*route),
			healthy: make(map[string]bool),
		}
	}

	newWindow := func() *dedupWindow {
		return newDedupWindow(cfg.DedupRetention.Std(), cfg.DedupMaxEntries)
	}
	for symbol, r := range buildRoutes(accounts, newWindow) {
		e.shardFor(symbol).routes[symbol] = r
	}

	e.log.WithFields(logger.Fields{
		"shards":          nshards,
		"dedup_retention": cfg.DedupRetention.Std().String(),
		"dedup_max":       cfg.DedupMaxEntries,
	}).Debug("aggregation engine initialized")
	return e
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("aggregation engine already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	for _, s := range e.shards {
		e.wg.Add(1)
		go s.run(e.ctx)
	}
	e.wg.Add(1)
	go e.dispatch()

	e.log.Info("aggregation engine started")
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.log.Info("aggregation engine stopped")
}

// dispatch is the fan-in: it hands raw ticks to the owning shard,
// broadcasts health transitions to every shard before republishing them
// downstream, and forwards failover notifications to the sink.
func (e *Engine) dispatch() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return

		case t := <-e.channels.RawTicks:
			s := e.shardFor(t.Symbol)
			select {
			case s.in <- shardMsg{tick: &t}:
			case <-e.ctx.Done():
				return
			}

		case evt := <-e.channels.HealthEvents:
			for _, s := range e.shards {
				select {
				case s.in <- shardMsg{health: &evt}:
				case <-e.ctx.Done():
					return
				}
			}
			if err := e.sink.PublishHealthEvent(evt); err != nil {
				e.log.WithError(err).Warn("health event publish failed")
			}

		case evt := <-e.channels.FailoverEvents:
			if err := e.sink.PublishFailoverEvent(evt); err != nil {
				e.log.WithError(err).Warn("failover event publish failed")
			}
		}
	}
}

func (e *Engine) shardFor(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return e.shards[int(h.Sum32())%len(e.shards)]
}

// Stats returns the engine-wide counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Forwarded:  atomic.LoadInt64(&e.forwarded),
		Rejected:   atomic.LoadInt64(&e.rejected),
		Duplicates: atomic.LoadInt64(&e.duplicates),
	}
}

// RouteSnapshots returns the current routing table, sorted by symbol.
func (e *Engine) RouteSnapshots() []models.RouteSnapshot {
	var snaps []models.RouteSnapshot
	for _, s := range e.shards {
		s.mu.RLock()
		for _, r := range s.routes {
			snaps = append(snaps, r.snapshot())
		}
		s.mu.RUnlock()
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Symbol < snaps[j].Symbol })
	return snaps
}

// Rebuild replaces the routing table after the account set changed.
// Dedup windows of surviving symbols are kept so the identity history is
// not lost across a reload.
func (e *Engine) Rebuild(accounts []models.Account) {
	newWindow := func() *dedupWindow {
		return newDedupWindow(e.cfg.DedupRetention.Std(), e.cfg.DedupMaxEntries)
	}
	fresh := buildRoutes(accounts, newWindow)

	perShard := make(map[*shard]map[string]*route, len(e.shards))
	for _, s := range e.shards {
		perShard[s] = make(map[string]*route)
	}
	for symbol, r := range fresh {
		perShard[e.shardFor(symbol)][symbol] = r
	}

	for s, routes := range perShard {
		s.mu.Lock()
		for symbol, r := range routes {
			if old, ok := s.routes[symbol]; ok {
				r.dedup = old.dedup
				r.starved = old.starved
			}
			r.recompute(s.healthy)
		}
		s.routes = routes
		s.mu.Unlock()
	}
	e.log.WithFields(logger.Fields{"symbols": len(fresh)}).Info("routing table rebuilt")
}

type shardMsg struct {
	tick   *models.Tick
	health *models.HealthTransitionEvent
}

// shard owns a disjoint set of symbols. Its goroutine is the single
// writer for every route and dedup window it holds; the mutex only
// shields snapshot readers and rebuilds.
type shard struct {
	engine  *Engine
	in      chan shardMsg
	mu      sync.RWMutex
	routes  map[string]*route
	healthy map[string]bool
}

func (s *shard) run(ctx context.Context) {
	defer s.engine.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.in:
			switch {
			case msg.tick != nil:
				s.handleTick(ctx, *msg.tick)
			case msg.health != nil:
				s.applyHealth(ctx, *msg.health)
			}
		}
	}
}

func (s *shard) handleTick(ctx context.Context, t models.Tick) {
	s.mu.RLock()
	r, ok := s.routes[t.Symbol]
	var accepted bool
	if ok {
		accepted = r.accepted[t.AccountID]
	}
	s.mu.RUnlock()

	if !ok {
		s.engine.reject()
		s.engine.log.WithFields(logger.Fields{
			"symbol":     t.Symbol,
			"account_id": t.AccountID,
		}).Debug("tick for unrouted symbol dropped")
		return
	}
	if !accepted {
		s.engine.reject()
		return
	}

	if t.Price <= 0 || t.Volume < 0 {
		s.engine.reject()
		return
	}
	if band, bounded := s.engine.cfg.Limits[t.Symbol]; bounded {
		if t.Price < band.Down || t.Price > band.Up {
			s.engine.reject()
			return
		}
	}

	if r.dedup.observe(t.Key(), time.Now()) {
		atomic.AddInt64(&s.engine.duplicates, 1)
		logger.IncrementDuplicateDropped()
		return
	}

	if err := s.engine.sink.PublishTick(t); err != nil {
		s.engine.log.WithError(err).Warn("tick publish failed")
	}
	s.engine.channels.SendCanonical(ctx, t)
	atomic.AddInt64(&s.engine.forwarded, 1)
	logger.IncrementForwarded()
}

func (s *shard) applyHealth(ctx context.Context, evt models.HealthTransitionEvent) {
	var failovers []models.FailoverEvent

	s.mu.Lock()
	s.healthy[evt.AccountID] = evt.To == models.HealthHealthy
	for _, r := range s.routes {
		if !r.hasCandidate(evt.AccountID) {
			continue
		}
		r.recompute(s.healthy)
		starvedNow := len(r.accepted) == 0

		if starvedNow && !r.starved {
			r.starved = true
			failovers = append(failovers, models.NewFailoverEvent(r.symbol, evt.AccountID, models.ReasonNoHealthySource))
		}
		if !starvedNow && r.starved {
			r.starved = false
			failovers = append(failovers, models.NewFailoverEvent(r.symbol, evt.AccountID, models.ReasonSourceRestored))
		}
	}
	s.mu.Unlock()

	for _, fo := range failovers {
		s.engine.channels.SendFailoverEvent(ctx, fo)
		s.engine.log.WithFields(logger.Fields{
			"symbol":     fo.Symbol,
			"account_id": fo.AccountID,
			"reason":     fo.Reason,
		}).Warn("routing change")
	}
}

func (e *Engine) reject() {
	atomic.AddInt64(&e.rejected, 1)
	logger.IncrementRejected()
}
