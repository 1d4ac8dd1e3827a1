// Package buffers tracks the lifetime of decoded audio buffers held in memory
// during playback assembly.
package buffers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/observability"
)

// pressureRatio is the share of MaxBytes above which the sweep also disposes
// inactive buffers
const pressureRatio = 0.7

// Config bounds the manager. Zero values disable the corresponding limit.
type Config struct {
	TTL           time.Duration // idle time since last access before disposal
	MaxBuffers    int
	MaxBytes      int64
	SweepInterval time.Duration
}

// ManagedBuffer is the manager's record for one decoded buffer
type ManagedBuffer struct {
	ID             string
	Buffer         *audio.Buffer
	Size           int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
	Active         bool
	Metadata       map[string]string
}

// Stats is a snapshot of managed memory
type Stats struct {
	Count      int     `json:"count"`
	Active     int     `json:"active"`
	Inactive   int     `json:"inactive"`
	Bytes      int64   `json:"bytes"`
	MaxBytes   int64   `json:"max_bytes"`
	UsageRatio float64 `json:"usage_ratio"`
	Disposed   uint64  `json:"disposed"`
}

// Manager owns every registered buffer. Callers hold ids and fetch bytes
// through Access; they never keep the record itself.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	logger   zerolog.Logger
	buffers  map[string]*ManagedBuffer
	bytes    int64
	disposed uint64
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. Call Start to run the background sweep.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		buffers: make(map[string]*ManagedBuffer),
		now:     time.Now,
	}
}

// Start runs the periodic sweep until ctx is cancelled or Dispose is called
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.SweepInterval <= 0 {
		return
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Register stores buf under id, generating an id when empty. Capacity is made
// first by disposing inactive buffers, then least recently accessed ones. If
// the limits still cannot be met the buffer is registered over budget.
func (m *Manager) Register(id string, buf *audio.Buffer, metadata map[string]string) string {
	if id == "" {
		id = uuid.New().String()
	}
	size := int64(buf.Size())

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.buffers[id]; ok {
		m.remove(old, "replaced")
	}

	m.ensureCapacity(size)

	now := m.now()
	m.buffers[id] = &ManagedBuffer{
		ID:             id,
		Buffer:         buf,
		Size:           size,
		CreatedAt:      now,
		LastAccessedAt: now,
		Active:         true,
		Metadata:       metadata,
	}
	m.bytes += size
	m.publish()

	return id
}

func (m *Manager) ensureCapacity(incoming int64) {
	if m.fits(incoming) {
		return
	}

	if n := m.disposeInactive(); n > 0 {
		m.logger.Debug().Int("disposed", n).Msg("Disposed inactive buffers to make room")
	}

	for !m.fits(incoming) {
		lru := m.leastRecentlyAccessed()
		if lru == nil {
			m.logger.Warn().
				Int("count", len(m.buffers)).
				Int64("bytes", m.bytes).
				Int64("incoming", incoming).
				Msg("Buffer capacity exceeded, registering over budget")
			return
		}
		m.remove(lru, "lru")
	}
}

func (m *Manager) fits(incoming int64) bool {
	if m.cfg.MaxBuffers > 0 && len(m.buffers)+1 > m.cfg.MaxBuffers {
		return false
	}
	return m.cfg.MaxBytes <= 0 || m.bytes+incoming <= m.cfg.MaxBytes
}

func (m *Manager) leastRecentlyAccessed() *ManagedBuffer {
	var oldest *ManagedBuffer
	for _, b := range m.buffers {
		if oldest == nil || b.LastAccessedAt.Before(oldest.LastAccessedAt) {
			oldest = b
		}
	}
	return oldest
}

// Access returns the decoded buffer for id, or nil when it is unknown or its
// TTL has elapsed. Expired buffers are disposed.
func (m *Manager) Access(id string) *audio.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[id]
	if !ok {
		return nil
	}
	now := m.now()
	if m.expired(b, now) {
		m.remove(b, "expired")
		m.publish()
		return nil
	}
	b.LastAccessedAt = now
	b.AccessCount++
	return b.Buffer
}

// MarkActive flags id as still needed
func (m *Manager) MarkActive(id string) {
	m.setActive(id, true)
}

// MarkInactive flags id as eligible for early reclamation
func (m *Manager) MarkInactive(id string) {
	m.setActive(id, false)
}

func (m *Manager) setActive(id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buffers[id]; ok {
		b.Active = active
	}
}

// DisposeInactive disposes every inactive buffer and returns the count
func (m *Manager) DisposeInactive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.disposeInactive()
	m.publish()
	return n
}

func (m *Manager) disposeInactive() int {
	n := 0
	for _, b := range m.buffers {
		if !b.Active {
			m.remove(b, "inactive")
			n++
		}
	}
	return n
}

// Release disposes one buffer explicitly
func (m *Manager) Release(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[id]
	if ok {
		m.remove(b, "explicit")
		m.publish()
	}
	return ok
}

// Sweep disposes expired buffers, and inactive ones when usage is above the
// pressure ratio. It returns the number disposed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, b := range m.buffers {
		if m.expired(b, now) {
			m.remove(b, "expired")
			n++
		}
	}
	if m.cfg.MaxBytes > 0 && float64(m.bytes) > pressureRatio*float64(m.cfg.MaxBytes) {
		n += m.disposeInactive()
	}
	if n > 0 {
		m.logger.Debug().Int("disposed", n).Int64("bytes", m.bytes).Msg("Buffer sweep")
	}
	m.publish()
	return n
}

func (m *Manager) expired(b *ManagedBuffer, now time.Time) bool {
	return m.cfg.TTL > 0 && now.Sub(b.LastAccessedAt) >= m.cfg.TTL
}

func (m *Manager) remove(b *ManagedBuffer, reason string) {
	delete(m.buffers, b.ID)
	m.bytes -= b.Size
	// Drop the reference so the samples can be collected even if a caller
	// still holds the record
	b.Buffer = nil
	if reason != "replaced" {
		m.disposed++
		observability.RecordBufferDisposal(reason, 1)
	}
}

func (m *Manager) publish() {
	observability.SetManagedBuffers(len(m.buffers), m.bytes)
}

// Stats returns a snapshot of managed memory
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Count:    len(m.buffers),
		Bytes:    m.bytes,
		MaxBytes: m.cfg.MaxBytes,
		Disposed: m.disposed,
	}
	for _, b := range m.buffers {
		if b.Active {
			s.Active++
		} else {
			s.Inactive++
		}
	}
	if m.cfg.MaxBytes > 0 {
		s.UsageRatio = float64(m.bytes) / float64(m.cfg.MaxBytes)
	}
	return s
}

// Clear disposes every buffer
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.buffers {
		m.remove(b, "explicit")
	}
	m.publish()
}

// Dispose stops the background sweep and clears every buffer
func (m *Manager) Dispose() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
	m.Clear()
}
