package server

import (
	"context"
	"sync"
	"time"

	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
)

// DefaultInstanceIdle is how long an instance stays awake with nobody in it.
const DefaultInstanceIdle = 10*time.Minute + 30*time.Second

// Population counts the sessions bound into an instance.
type Population interface {
	InstanceCount(world worlddb.WorldID, scope worlddb.ScopeID) int
}

type instanceKey struct {
	world worlddb.WorldID
	scope worlddb.ScopeID
}

type instanceState struct {
	woke      time.Time
	idleSince time.Time // zero while inhabited
}

// InstancePool tracks which (world, scope) instances are awake. An instance
// wakes when someone arrives and sleeps once it has been empty for the idle
// period. Instances hold no runtime state of their own yet, so the pool only
// feeds health, metrics and the OnSleep hook.
type InstancePool struct {
	pop  Population
	idle time.Duration
	log  *zap.Logger
	now  func() time.Time

	// OnSleep runs outside the pool lock for each instance put to sleep.
	OnSleep func(world worlddb.WorldID, scope worlddb.ScopeID)

	mu    sync.Mutex
	awake map[instanceKey]*instanceState
}

// NewInstancePool creates an empty pool.
func NewInstancePool(pop Population, idle time.Duration, log *zap.Logger) *InstancePool {
	if idle <= 0 {
		idle = DefaultInstanceIdle
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &InstancePool{
		pop:   pop,
		idle:  idle,
		log:   log,
		now:   time.Now,
		awake: make(map[instanceKey]*instanceState),
	}
}

// Wake marks an instance inhabited, waking it if it was asleep.
func (p *InstancePool) Wake(world worlddb.WorldID, scope worlddb.ScopeID) {
	key := instanceKey{world, scope}
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.awake[key]; ok {
		st.idleSince = time.Time{}
		return
	}
	p.awake[key] = &instanceState{woke: p.now()}
	p.log.Info("instance awake", zap.String("world", string(world)), zap.String("scope", string(scope)))
}

// Awake returns the number of awake instances.
func (p *InstancePool) Awake() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.awake)
}

// IsAwake reports whether an instance is awake.
func (p *InstancePool) IsAwake(world worlddb.WorldID, scope worlddb.ScopeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.awake[instanceKey{world, scope}]
	return ok
}

// Sweep puts to sleep every instance that has been empty for the idle
// period and returns how many slept.
func (p *InstancePool) Sweep() int {
	now := p.now()
	var slept []instanceKey
	p.mu.Lock()
	for key, st := range p.awake {
		if p.pop.InstanceCount(key.world, key.scope) > 0 {
			st.idleSince = time.Time{}
			continue
		}
		if st.idleSince.IsZero() {
			st.idleSince = now
			continue
		}
		if now.Sub(st.idleSince) < p.idle {
			continue
		}
		delete(p.awake, key)
		slept = append(slept, key)
		p.log.Info("instance asleep",
			zap.String("world", string(key.world)),
			zap.String("scope", string(key.scope)),
			zap.Duration("awake", now.Sub(st.woke)))
	}
	p.mu.Unlock()

	if p.OnSleep != nil {
		for _, key := range slept {
			p.OnSleep(key.world, key.scope)
		}
	}
	return len(slept)
}

// Run sweeps every interval until ctx ends.
func (p *InstancePool) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}
