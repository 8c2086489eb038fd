package server

import (
	"context"
	"fmt"
	"time"

	"github.com/crystal-mush/tworld/pkg/action"
	"github.com/crystal-mush/tworld/pkg/collab"
	"github.com/crystal-mush/tworld/pkg/dispatch"
	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/fanout"
	"github.com/crystal-mush/tworld/pkg/presence"
	"github.com/crystal-mush/tworld/pkg/session"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
)

// HubOptions are the collaborators a Hub is built from. Store is required;
// the rest may be nil.
type HubOptions struct {
	Store  worlddb.Store
	Feed   *FeedDB
	Texts  *TextFiles
	Engine action.Engine
	Log    *zap.Logger
}

// Hub owns every piece of live server state: the connection registry, the
// presence indexes, the fanout engine and the dispatcher. Nothing in the
// server is process-global; tests build as many hubs as they like.
type Hub struct {
	cfg     Config
	log     *zap.Logger
	started time.Time

	store    worlddb.Store
	bus      *events.Bus
	reg      *session.Registry
	res      *presence.Resolver
	notifier *fanout.Notifier
	coord    *collab.Coordinator
	disp     *dispatch.Dispatcher
	pool     *InstancePool
	feed     *FeedDB
	texts    *TextFiles
	auth     *AuthService
	metrics  *Metrics
}

// meteredPrefs counts the debounced preference writes that reach the store.
type meteredPrefs struct {
	worlddb.PlayerStore
	m *Metrics
}

func (p meteredPrefs) PutPrefs(ctx context.Context, id worlddb.PlayerID, prefs worlddb.Prefs) error {
	p.m.prefsWrite()
	return p.PlayerStore.PutPrefs(ctx, id, prefs)
}

// NewHub wires the core components together.
func NewHub(cfg Config, opts HubOptions) *Hub {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		log:     log,
		started: time.Now(),
		store:   opts.Store,
		bus:     events.NewBus(),
		feed:    opts.Feed,
		texts:   opts.Texts,
	}
	h.metrics = NewMetrics(h.started,
		func() int { return h.reg.Count() },
		func() int { return h.pool.Awake() })

	h.reg = session.NewRegistry(session.Options{
		Policy:      cfg.Policy(),
		Grace:       cfg.Grace,
		PrefsDelay:  cfg.PrefsDelay,
		OutboxLimit: cfg.OutboxLimit,
		Prefs:       meteredPrefs{PlayerStore: opts.Store, m: h.metrics},
		Hooks: session.Hooks{
			Delivered: h.metrics.delivered,
			Stale:     h.metrics.stale,
			Dropped:   h.metrics.dropped,
		},
		OnDetach: h.detached,
		Log:      log.Named("session"),
	})
	h.res = presence.New(opts.Store, log.Named("presence"))
	h.notifier = fanout.New(opts.Store, h.res, h.reg, h.bus, log.Named("fanout"))
	h.notifier.SetHooks(fanout.Hooks{Delta: h.metrics.delta, Broadcast: h.metrics.broadcast})
	h.coord = collab.New(opts.Store, h.notifier, log.Named("collab"))
	h.coord.SetHooks(collab.Hooks{Commit: h.metrics.commit, Conflict: h.metrics.conflict})
	h.pool = NewInstancePool(h.res, cfg.InstanceIdle, log.Named("pool"))
	h.pool.OnSleep = h.metrics.slept

	dopts := dispatch.Options{
		Store:       opts.Store,
		Registry:    h.reg,
		Resolver:    h.res,
		Notifier:    h.notifier,
		Coordinator: h.coord,
		Engine:      opts.Engine,
		StartWorld:  worlddb.WorldID(cfg.StartWorld),
		Hooks: dispatch.Hooks{
			Command: h.metrics.command,
			Arrived: h.pool.Wake,
		},
		Log: log.Named("dispatch"),
	}
	if opts.Feed != nil {
		dopts.History = opts.Feed
		h.bus.SubscribeGlobal(opts.Feed)
	}
	if opts.Texts != nil {
		dopts.Texts = opts.Texts
	}
	h.disp = dispatch.New(dopts)
	h.auth = NewAuthService(opts.Store, cfg.JWTSecret, cfg.JWTExpiry)
	return h
}

// Auth returns the token service.
func (h *Hub) Auth() *AuthService { return h.auth }

// Metrics returns the hub's metrics.
func (h *Hub) Metrics() *Metrics { return h.metrics }

// Registry returns the connection registry.
func (h *Hub) Registry() *session.Registry { return h.reg }

// Dispatcher returns the command dispatcher.
func (h *Hub) Dispatcher() *dispatch.Dispatcher { return h.disp }

// Pool returns the instance pool.
func (h *Hub) Pool() *InstancePool { return h.pool }

// Connect attaches conn for the authenticated player and puts the session
// into the world. A non-empty resume id reattaches that session if it is
// still within its grace period; otherwise a fresh session is created.
func (h *Hub) Connect(ctx context.Context, conn session.Conn, claims *Claims, resume string) (*session.Session, error) {
	player, err := worlddb.RetryRead(ctx, func(ctx context.Context) (worlddb.Player, error) {
		return h.store.GetPlayer(ctx, claims.Player)
	})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	var s *session.Session
	if resume != "" {
		s, err = h.reg.Resume(conn, player.ID, session.ID(resume))
		if err != nil {
			h.log.Info("resume refused",
				zap.String("player", string(player.ID)),
				zap.String("session", resume),
				zap.Error(err))
			s = nil
		} else {
			s.SetName(player.Name)
			h.res.Restore(s)
		}
	}
	if s == nil {
		s, err = h.reg.Attach(ctx, conn, player)
		if err != nil {
			return nil, err
		}
	}
	h.bus.Subscribe(string(s.ID), s)
	s.Enqueue(events.NewSessionInfo(string(s.ID)))

	if err := h.disp.Arrive(ctx, s); err != nil {
		h.reg.ForceDetach(s, err)
		return nil, fmt.Errorf("connect: %w", err)
	}
	return s, nil
}

// Disconnect detaches conn. The session stays resumable for the grace
// period.
func (h *Hub) Disconnect(conn session.Conn) {
	h.reg.Detach(conn)
}

// detached runs for every session that loses its connection.
func (h *Hub) detached(s *session.Session) {
	h.bus.Unsubscribe(string(s.ID), s)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.disp.Depart(ctx, s)
}

// Dispatch runs one inbound frame.
func (h *Hub) Dispatch(ctx context.Context, s *session.Session, raw []byte) {
	h.disp.Dispatch(ctx, s, raw)
}

// Run starts the background sweepers and blocks until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	go h.reg.RunReaper(ctx, h.cfg.Grace/2+time.Second)
	go h.pool.Run(ctx, time.Minute)
	if h.feed != nil {
		go h.feed.RunRetention(ctx, h.cfg.ScrollbackRetention)
	}
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.bus.Cleanup()
		}
	}
}

// Shutdown detaches every live session so pending preference writes land
// and peers see the departures.
func (h *Hub) Shutdown() {
	for _, s := range h.reg.Attached() {
		if conn, ok := h.reg.Lookup(s.ID); ok {
			h.reg.Detach(conn)
			conn.Close()
		}
	}
	h.log.Info("hub stopped", zap.Duration("uptime", time.Since(h.started)))
}
