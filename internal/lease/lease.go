// Package lease assigns every process a small node identity by claiming one of
// N expiring keys in the shared store.
//
// Leases are best-effort: if renewals stop for longer than the TTL another
// process may claim the same slot while the first still believes it owns it.
// No fencing token guards generated IDs against that window; the renewal
// cadence (TTL/3 by default) keeps it rare. Each acquisition bumps a generation
// counter that is logged so overlapping owners can be diagnosed afterwards.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"urlshortener/internal/kv"
	"urlshortener/internal/metrics"
)

// ErrLeaseExhausted means every slot is held by another live process.
var ErrLeaseExhausted = errors.New("lease: all node slots are held")

const (
	workerBits = 5
	workerMask = 1<<workerBits - 1
	dcMask     = 1<<5 - 1
)

// Config controls slot count and timing.
type Config struct {
	Prefix        string
	Slots         int
	TTL           time.Duration
	RenewInterval time.Duration
	OpTimeout     time.Duration
}

// NodeLease is the identity currently held by this process.
type NodeLease struct {
	NodeID     int64
	Owner      string
	Generation int64
	ExpiresAt  time.Time
}

// WorkerID is the low 5 bits of the node id.
func (l NodeLease) WorkerID() int64 { return l.NodeID & workerMask }

// DatacenterID is bits 5..9 of the node id.
func (l NodeLease) DatacenterID() int64 { return (l.NodeID >> workerBits) & dcMask }

// Manager acquires, renews and releases one node lease.
type Manager struct {
	store kv.Store
	cfg   Config
	log   *zap.Logger

	mu      sync.RWMutex
	current *NodeLease
}

func NewManager(store kv.Store, cfg Config, log *zap.Logger) *Manager {
	if cfg.Slots <= 0 || cfg.Slots > 1024 {
		cfg.Slots = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.TTL {
		cfg.RenewInterval = cfg.TTL / 3
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		log:   log.Named("lease"),
	}
}

func (m *Manager) key(nodeID int64) string {
	return fmt.Sprintf("%slease:%d", m.cfg.Prefix, nodeID)
}

// Acquire claims the first free slot in order lease:0 .. lease:N-1.
func (m *Manager) Acquire(ctx context.Context) (NodeLease, error) {
	owner := uuid.NewString()
	for id := int64(0); id < int64(m.cfg.Slots); id++ {
		ok, err := m.claim(ctx, id, owner)
		if err != nil {
			return NodeLease{}, fmt.Errorf("claim %s: %w", m.key(id), err)
		}
		if !ok {
			continue
		}
		l := NodeLease{NodeID: id, Owner: owner, ExpiresAt: time.Now().Add(m.cfg.TTL)}
		l.Generation = m.bumpGeneration(ctx, id)
		m.mu.Lock()
		m.current = &l
		m.mu.Unlock()
		m.log.Info("acquired node lease",
			zap.Int64("node_id", id),
			zap.Int64("worker_id", l.WorkerID()),
			zap.Int64("datacenter_id", l.DatacenterID()),
			zap.Int64("generation", l.Generation))
		return l, nil
	}
	return NodeLease{}, ErrLeaseExhausted
}

func (m *Manager) claim(ctx context.Context, id int64, owner string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	defer cancel()
	return m.store.SetIfAbsent(opCtx, m.key(id), owner, m.cfg.TTL)
}

func (m *Manager) bumpGeneration(ctx context.Context, id int64) int64 {
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	defer cancel()
	gen, err := m.store.Incr(opCtx, fmt.Sprintf("%slease:gen:%d", m.cfg.Prefix, id))
	if err != nil {
		m.log.Warn("failed to bump lease generation", zap.Int64("node_id", id), zap.Error(err))
		return 0
	}
	return gen
}

// Current returns the held lease, if any.
func (m *Manager) Current() (NodeLease, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return NodeLease{}, false
	}
	return *m.current, true
}

// Renew extends the held lease once. When the key no longer belongs to this
// owner it tries to claim it back. Failures are logged and left to the next
// renewal; they never stop the process.
func (m *Manager) Renew(ctx context.Context) {
	l, ok := m.Current()
	if !ok {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	defer cancel()

	extended, err := m.store.ExtendIfOwner(opCtx, m.key(l.NodeID), l.Owner, m.cfg.TTL)
	if err != nil {
		metrics.LeaseRenewals.WithLabelValues("error").Inc()
		m.log.Warn("lease renewal failed, will retry", zap.Int64("node_id", l.NodeID), zap.Error(err))
		return
	}
	if extended {
		metrics.LeaseRenewals.WithLabelValues("renewed").Inc()
		m.setExpiry(time.Now().Add(m.cfg.TTL))
		return
	}

	reclaimed, err := m.store.SetIfAbsent(opCtx, m.key(l.NodeID), l.Owner, m.cfg.TTL)
	if err != nil || !reclaimed {
		metrics.LeaseRenewals.WithLabelValues("lost").Inc()
		m.log.Error("node lease lost and could not be reclaimed; ids may collide with the new owner",
			zap.Int64("node_id", l.NodeID), zap.Error(err))
		return
	}
	metrics.LeaseRenewals.WithLabelValues("reclaimed").Inc()
	m.setExpiry(time.Now().Add(m.cfg.TTL))
	m.log.Warn("node lease expired and was reclaimed", zap.Int64("node_id", l.NodeID))
}

func (m *Manager) setExpiry(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.ExpiresAt = at
	}
}

// Run renews the lease every RenewInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Renew(ctx)
		}
	}
}

// Release deletes the held key so the slot is free immediately.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	l := m.current
	m.current = nil
	m.mu.Unlock()
	if l == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	defer cancel()
	released, err := m.store.DeleteIfOwner(opCtx, m.key(l.NodeID), l.Owner)
	if err != nil {
		return fmt.Errorf("release %s: %w", m.key(l.NodeID), err)
	}
	m.log.Info("released node lease", zap.Int64("node_id", l.NodeID), zap.Bool("was_owner", released))
	return nil
}
