// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyslot.
//
// go-keyslot is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
)

// DefaultMaxEvents is the number of events kept by a MemoryAuditAdapter
// when MemoryConfig.MaxEvents is not set.
const DefaultMaxEvents = 1024

// MemoryConfig configures a MemoryAuditAdapter
type MemoryConfig struct {
	// MaxEvents bounds the number of retained events. The oldest event is
	// dropped when the buffer is full.
	MaxEvents int

	// Logger, when set, receives every event at info level
	Logger logger.Logger
}

// MemoryAuditAdapter implements AuditAdapter with a bounded ring buffer.
// This implementation is thread-safe. Events are lost on process restart.
type MemoryAuditAdapter struct {
	mu      sync.RWMutex
	events  []*AuditEvent
	next    int
	full    bool
	logger  logger.Logger
	dropped uint64
}

// NewMemoryAuditAdapter creates a new in-memory audit adapter
func NewMemoryAuditAdapter(config *MemoryConfig) *MemoryAuditAdapter {
	if config == nil {
		config = &MemoryConfig{}
	}
	size := config.MaxEvents
	if size <= 0 {
		size = DefaultMaxEvents
	}
	return &MemoryAuditAdapter{
		events: make([]*AuditEvent, size),
		logger: config.Logger,
	}
}

// LogEvent records an audit event in memory
func (m *MemoryAuditAdapter) LogEvent(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	stored := *event
	m.mu.Lock()
	if m.full {
		m.dropped++
	}
	m.events[m.next] = &stored
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("audit",
			logger.String("event_id", event.ID),
			logger.String("event_type", string(event.EventType)),
			logger.String("outcome", string(event.Outcome)),
			logger.String("principal", event.Principal),
			logger.Int("device", event.Device),
			logger.String("request_id", event.RequestID),
			logger.String("result", event.Result))
	}
	return nil
}

// GetEvents retrieves audit events newest first
func (m *MemoryAuditAdapter) GetEvents(ctx context.Context, query *EventQuery) ([]*AuditEvent, error) {
	if query == nil {
		query = &EventQuery{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*AuditEvent, 0)
	n := m.count()
	for i := 0; i < n; i++ {
		idx := (m.next - 1 - i + len(m.events)) % len(m.events)
		event := m.events[idx]
		if !matchesQuery(event, query) {
			continue
		}
		e := *event
		results = append(results, &e)
		if query.Limit > 0 && len(results) == query.Limit {
			break
		}
	}
	return results, nil
}

// Len returns the number of retained events
func (m *MemoryAuditAdapter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count()
}

func (m *MemoryAuditAdapter) count() int {
	if m.full {
		return len(m.events)
	}
	return m.next
}

// Dropped returns the number of events overwritten since creation
func (m *MemoryAuditAdapter) Dropped() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

// matchesQuery checks if an event matches the query criteria
func matchesQuery(event *AuditEvent, query *EventQuery) bool {
	if len(query.EventTypes) > 0 {
		matched := false
		for _, et := range query.EventTypes {
			if event.EventType == et {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(query.Outcomes) > 0 {
		matched := false
		for _, o := range query.Outcomes {
			if event.Outcome == o {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if query.PrincipalID != "" && event.Principal != query.PrincipalID {
		return false
	}

	if query.StartTime != nil && event.Timestamp.Before(*query.StartTime) {
		return false
	}

	return true
}
