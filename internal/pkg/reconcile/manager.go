package reconcile

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/docvaulthq/DocVault/internal/pkg/database"
	"github.com/docvaulthq/DocVault/internal/pkg/entitlements"
	"github.com/docvaulthq/DocVault/internal/pkg/env"
	"github.com/docvaulthq/DocVault/internal/pkg/ledger"
	metrics "github.com/docvaulthq/DocVault/internal/pkg/metrics/counter"
)

const (
	defaultSweepInterval = 5 * time.Minute
	counterFlushInterval = 5 * time.Second

	// Pending entries older than this are considered abandoned and failed.
	stalePendingAge = 15 * time.Minute
)

// Manager runs the periodic reconciliation tasks: failing abandoned pending
// ledger entries, expiring lapsed subscriptions and flushing buffered
// counters to the database.
type Manager struct {
	ledgerStore  ledger.Store
	entitlements entitlements.Store

	sweepTicker  *time.Ticker
	flushTicker  *time.Ticker
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global reconciliation manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		db := database.GetDB()
		globalManager = &Manager{
			ledgerStore:  ledger.NewStore(db),
			entitlements: entitlements.NewStore(db),
			stopCh:       make(chan struct{}),
		}
	})
	return globalManager
}

// Start starts the background reconciliation workers
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be restarted.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Reconcile] Starting background reconciliation")

	interval := defaultSweepInterval
	if v, err := strconv.Atoi(env.GetEnv("RECONCILE_INTERVAL_MINUTES", "")); err == nil && v > 0 {
		interval = time.Duration(v) * time.Minute
	}

	m.sweepTicker = time.NewTicker(interval)
	m.wg.Add(1)
	go m.sweepWorker()

	m.flushTicker = time.NewTicker(counterFlushInterval)
	m.wg.Add(1)
	go m.counterFlushWorker()

	log.Info("[Reconcile] Started successfully")
}

// Stop stops the background workers and waits for them to finish
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Reconcile] Stopping background reconciliation...")

	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}
	if m.flushTicker != nil {
		m.flushTicker.Stop()
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()

	log.Info("[Reconcile] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) sweepWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[Reconcile] Sweep worker stopping")
			return
		case <-m.sweepTicker.C:
			if err := m.RunSweepOnce(); err != nil {
				log.Errorf("[Reconcile] Sweep error: %v", err)
			}
		}
	}
}

func (m *Manager) counterFlushWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[Reconcile] Counter flush worker stopping")
			return
		case <-m.flushTicker.C:
			if err := metrics.FlushAll(); err != nil {
				log.Errorf("[Reconcile] Counter flush error: %v", err)
			}
		}
	}
}

// RunSweepOnce fails stale pending ledger entries and expires lapsed
// subscriptions. Exposed for a manual admin trigger.
func (m *Manager) RunSweepOnce() error {
	swept, err := m.ledgerStore.SweepStalePending(stalePendingAge)
	if err != nil {
		return err
	}
	if swept > 0 {
		log.Infof("[Reconcile] Failed %d stale pending ledger entries", swept)
	}

	expired, err := m.entitlements.ExpireDueSubscriptions(time.Now())
	if err != nil {
		return err
	}
	if expired > 0 {
		log.Infof("[Reconcile] Expired %d lapsed subscriptions", expired)
	}

	return nil
}
