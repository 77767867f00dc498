// Package gatewaypool caches live exchange.Gateway instances keyed by
// exchange catalog id, with LRU eviction, periodic health checks, and a
// simple failure-count circuit breaker — the same lifecycle the teacher's
// per-connection gateway manager runs, generalized here to a per-exchange
// key since credentials are supplied per-call rather than bound at
// construction time.
package gatewaypool

import (
	"context"
	"errors"
	"sync"
	"time"

	exchange "strategyengine/pkg/exchange/common"
)

var (
	ErrUnhealthy = errors.New("gatewaypool: gateway circuit open, too many recent failures")
	ErrPoolFull  = errors.New("gatewaypool: pool is full")
)

// Config tunes the pool's lifecycle behavior.
type Config struct {
	MaxSize          int
	IdleTimeout      time.Duration
	HealthInterval   time.Duration
	FailureThreshold int
	CircuitTimeout   time.Duration
}

// DefaultConfig returns sensible defaults for a small, fixed set of
// exchange adapters.
func DefaultConfig() Config {
	return Config{
		MaxSize:          32,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

type cached struct {
	gateway   exchange.Gateway
	key       string
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Pool caches one Gateway per (exchangeID, testnet) key.
type Pool struct {
	mu       sync.RWMutex
	gateways map[string]*cached
	lruOrder []string

	config  Config
	factory Factory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Pool backed by factory.
func New(factory Factory, cfg Config) *Pool {
	return &Pool{
		gateways: make(map[string]*cached),
		config:   cfg,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

func poolKey(exchangeID string, testnet bool) string {
	if testnet {
		return exchangeID + "|testnet"
	}
	return exchangeID
}

// Start launches the background idle-cleanup and health-check loops.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(2)

	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.cleanupIdle()
			}
		}
	}()

	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.healthCheckAll()
			}
		}
	}()
}

// Stop halts the background loops and releases cached gateways.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for key, c := range p.gateways {
		closeGateway(c.gateway)
		delete(p.gateways, key)
	}
	p.lruOrder = nil
}

// Get returns the cached Gateway for an exchange, creating it on first use.
func (p *Pool) Get(exchangeID string, testnet bool) (exchange.Gateway, error) {
	key := poolKey(exchangeID, testnet)

	p.mu.RLock()
	if c, ok := p.gateways[key]; ok {
		if c.failures >= p.config.FailureThreshold && time.Since(c.healthyAt) < p.config.CircuitTimeout {
			p.mu.RUnlock()
			return nil, ErrUnhealthy
		}
		p.mu.RUnlock()
		p.touchLRU(key)
		return c.gateway, nil
	}
	p.mu.RUnlock()

	return p.create(exchangeID, testnet, key)
}

func (p *Pool) create(exchangeID string, testnet bool, key string) (exchange.Gateway, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.gateways[key]; ok {
		p.touchLRULocked(key)
		return c.gateway, nil
	}

	if len(p.gateways) >= p.config.MaxSize && !p.evictOldestLocked() {
		return nil, ErrPoolFull
	}

	gw, err := p.factory(exchangeID, testnet)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p.gateways[key] = &cached{gateway: gw, key: key, createdAt: now, lastUsed: now, healthyAt: now}
	p.lruOrder = append(p.lruOrder, key)
	return gw, nil
}

// RecordFailure increments the failure counter used by the circuit breaker.
func (p *Pool) RecordFailure(exchangeID string, testnet bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.gateways[poolKey(exchangeID, testnet)]; ok {
		c.failures++
	}
}

// RecordSuccess clears the failure counter.
func (p *Pool) RecordSuccess(exchangeID string, testnet bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.gateways[poolKey(exchangeID, testnet)]; ok {
		c.failures = 0
		c.healthyAt = time.Now()
	}
}

// Stats reports pool occupancy for the monitoring surface.
type Stats struct {
	TotalGateways  int
	MaxSize        int
	UnhealthyCount int
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Stats{TotalGateways: len(p.gateways), MaxSize: p.config.MaxSize}
	for _, c := range p.gateways {
		if c.failures >= p.config.FailureThreshold {
			s.UnhealthyCount++
		}
	}
	return s
}

func (p *Pool) touchLRU(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touchLRULocked(key)
}

func (p *Pool) touchLRULocked(key string) {
	if c, ok := p.gateways[key]; ok {
		c.lastUsed = time.Now()
	}
	for i, k := range p.lruOrder {
		if k == key {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			p.lruOrder = append(p.lruOrder, key)
			break
		}
	}
}

func (p *Pool) evictOldestLocked() bool {
	if len(p.lruOrder) == 0 {
		return false
	}
	oldest := p.lruOrder[0]
	if c, ok := p.gateways[oldest]; ok {
		closeGateway(c.gateway)
		delete(p.gateways, oldest)
	}
	p.lruOrder = p.lruOrder[1:]
	return true
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var stale []string
	for key, c := range p.gateways {
		if now.Sub(c.lastUsed) > p.config.IdleTimeout {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		if c, ok := p.gateways[key]; ok {
			closeGateway(c.gateway)
			delete(p.gateways, key)
			p.removeLRULocked(key)
		}
	}
}

func (p *Pool) removeLRULocked(key string) {
	for i, k := range p.lruOrder {
		if k == key {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			break
		}
	}
}

func (p *Pool) healthCheckAll() {
	p.mu.RLock()
	keys := make([]string, 0, len(p.gateways))
	for k := range p.gateways {
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	for _, key := range keys {
		p.mu.RLock()
		c, ok := p.gateways[key]
		p.mu.RUnlock()
		if !ok {
			continue
		}
		if pinger, ok := c.gateway.(interface{ Ping(context.Context) error }); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := pinger.Ping(ctx)
			cancel()
			p.mu.Lock()
			if err != nil {
				c.failures++
			} else {
				c.failures = 0
				c.healthyAt = time.Now()
			}
			p.mu.Unlock()
		}
	}
}

func closeGateway(gw exchange.Gateway) {
	if closer, ok := gw.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
