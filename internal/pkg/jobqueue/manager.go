package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Manager owns the queue lifecycle and the background dead-letter monitor
type Manager struct {
	queue           *Queue
	monitorInterval time.Duration
	monitorTicker   *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

// NewManager wraps queue. A non-positive monitorInterval disables the
// dead-letter monitor.
func NewManager(queue *Queue, monitorInterval time.Duration) *Manager {
	return &Manager{
		queue:           queue,
		monitorInterval: monitorInterval,
		stopCh:          make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	if m.monitorInterval > 0 {
		m.monitorTicker = time.NewTicker(m.monitorInterval)
		m.wg.Add(1)
		go m.deadLetterMonitor(m.monitorTicker, m.stopCh)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.monitorTicker != nil {
		m.monitorTicker.Stop()
	}

	// Signal workers to stop
	close(m.stopCh)
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// deadLetterMonitor keeps alerting while dead letters are waiting for an
// operator.
func (m *Manager) deadLetterMonitor(ticker *time.Ticker, stopCh <-chan struct{}) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started dead-letter monitor (interval: %s)", m.monitorInterval)

	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Dead-letter monitor stopping")
			return
		case <-ticker.C:
			if _, err := m.CheckDeadLetters(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Dead-letter check failed: %v", err)
			}
		}
	}
}

// CheckDeadLetters alerts once if any dead letters exist and returns their
// count.
func (m *Manager) CheckDeadLetters(ctx context.Context) (int64, error) {
	n, err := m.queue.GetDeadSize(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.queue.Alerter().DeadLettersPending(ctx, n)
	}
	return n, nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
