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
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
)

func TestMemoryAuditAdapter_LogEvent(t *testing.T) {
	adapter := NewMemoryAuditAdapter(nil)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		event := NewEvent(EventTableClear, 1, nil)
		event.Principal = "ops"

		if err := adapter.LogEvent(ctx, event); err != nil {
			t.Fatalf("LogEvent failed: %v", err)
		}
		if event.ID == "" {
			t.Error("Event ID was not generated")
		}
		if event.Timestamp.IsZero() {
			t.Error("Event timestamp was not set")
		}

		events, err := adapter.GetEvents(ctx, nil)
		if err != nil {
			t.Fatalf("GetEvents failed: %v", err)
		}
		if len(events) != 1 || events[0].ID != event.ID {
			t.Fatalf("Expected the logged event, got %+v", events)
		}
		if events[0].Outcome != OutcomeSuccess {
			t.Errorf("Expected outcome %s, got %s", OutcomeSuccess, events[0].Outcome)
		}
	})

	t.Run("NilEvent", func(t *testing.T) {
		if err := adapter.LogEvent(ctx, nil); err == nil {
			t.Error("Expected error for nil event")
		}
	})

	t.Run("CustomIDAndTimestamp", func(t *testing.T) {
		customTime := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		event := &AuditEvent{
			ID:        "custom-id-123",
			Timestamp: customTime,
			EventType: EventKeyRemove,
			Device:    -1,
		}
		if err := adapter.LogEvent(ctx, event); err != nil {
			t.Fatalf("LogEvent failed: %v", err)
		}
		if event.ID != "custom-id-123" || !event.Timestamp.Equal(customTime) {
			t.Errorf("Custom ID or timestamp was overwritten: %+v", event)
		}
	})

	t.Run("StoredCopy", func(t *testing.T) {
		event := NewEvent(EventTableReset, 0, nil)
		if err := adapter.LogEvent(ctx, event); err != nil {
			t.Fatalf("LogEvent failed: %v", err)
		}
		event.Principal = "mutated"

		events, _ := adapter.GetEvents(ctx, &EventQuery{Limit: 1})
		if events[0].Principal == "mutated" {
			t.Error("Stored event shares memory with the caller")
		}
	})
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventKeyRemove, -1, errors.New("hardware fault"))
	if e.Outcome != OutcomeFailure {
		t.Errorf("Expected outcome %s, got %s", OutcomeFailure, e.Outcome)
	}
	if e.Result != "hardware fault" {
		t.Errorf("Expected result to carry the error, got %q", e.Result)
	}
	if e.Device != -1 {
		t.Errorf("Expected device -1, got %d", e.Device)
	}
}

func TestMemoryAuditAdapter_Bounded(t *testing.T) {
	adapter := NewMemoryAuditAdapter(&MemoryConfig{MaxEvents: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event := NewEvent(EventTableClear, i, nil)
		if err := adapter.LogEvent(ctx, event); err != nil {
			t.Fatalf("LogEvent failed: %v", err)
		}
	}

	if adapter.Len() != 3 {
		t.Errorf("Expected 3 retained events, got %d", adapter.Len())
	}
	if adapter.Dropped() != 2 {
		t.Errorf("Expected 2 dropped events, got %d", adapter.Dropped())
	}

	events, err := adapter.GetEvents(ctx, nil)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	want := []int{4, 3, 2}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(events))
	}
	for i, e := range events {
		if e.Device != want[i] {
			t.Errorf("Event %d: expected device %d, got %d", i, want[i], e.Device)
		}
	}
}

func TestMemoryAuditAdapter_GetEvents(t *testing.T) {
	adapter := NewMemoryAuditAdapter(nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	seed := []*AuditEvent{
		{EventType: EventKeyRemove, Outcome: OutcomeSuccess, Principal: "alice", Device: -1, Timestamp: past},
		{EventType: EventTableClear, Outcome: OutcomeFailure, Principal: "bob", Device: 0},
		{EventType: EventTableClear, Outcome: OutcomeSuccess, Principal: "alice", Device: 1},
		{EventType: EventTableReset, Outcome: OutcomeSuccess, Principal: "bob", Device: 1},
	}
	for _, e := range seed {
		if err := adapter.LogEvent(ctx, e); err != nil {
			t.Fatalf("LogEvent failed: %v", err)
		}
	}

	since := time.Now().Add(-time.Minute)
	tests := []struct {
		name  string
		query *EventQuery
		want  int
	}{
		{"All", nil, 4},
		{"ByType", &EventQuery{EventTypes: []EventType{EventTableClear}}, 2},
		{"ByTypes", &EventQuery{EventTypes: []EventType{EventTableClear, EventTableReset}}, 3},
		{"ByOutcome", &EventQuery{Outcomes: []EventOutcome{OutcomeFailure}}, 1},
		{"ByPrincipal", &EventQuery{PrincipalID: "alice"}, 2},
		{"Since", &EventQuery{StartTime: &since}, 3},
		{"Limit", &EventQuery{Limit: 2}, 2},
		{"Combined", &EventQuery{PrincipalID: "bob", EventTypes: []EventType{EventTableReset}}, 1},
		{"NoMatch", &EventQuery{PrincipalID: "carol"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := adapter.GetEvents(ctx, tt.query)
			if err != nil {
				t.Fatalf("GetEvents failed: %v", err)
			}
			if len(events) != tt.want {
				t.Errorf("Expected %d events, got %d", tt.want, len(events))
			}
		})
	}

	events, _ := adapter.GetEvents(ctx, &EventQuery{Limit: 1})
	if events[0].EventType != EventTableReset {
		t.Errorf("Expected newest event first, got %s", events[0].EventType)
	}
}

func TestMemoryAuditAdapter_Logger(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewMemoryAuditAdapter(&MemoryConfig{
		Logger: logger.NewSlogAdapter(&logger.SlogConfig{
			Level:  logger.LevelInfo,
			Format: "json",
			Output: &buf,
		}),
	})

	event := NewEvent(EventTableClear, 2, nil)
	event.RequestID = "req-42"
	if err := adapter.LogEvent(context.Background(), event); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"event_type":"table.clear"`, `"request_id":"req-42"`, `"device":2`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in log output: %s", want, out)
		}
	}
}

func TestMemoryAuditAdapter_Concurrent(t *testing.T) {
	adapter := NewMemoryAuditAdapter(&MemoryConfig{MaxEvents: 64})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				event := NewEvent(EventKeyRemove, -1, nil)
				event.Principal = fmt.Sprintf("worker-%d", n)
				_ = adapter.LogEvent(ctx, event)
				_, _ = adapter.GetEvents(ctx, &EventQuery{Limit: 5})
			}
		}(i)
	}
	wg.Wait()

	if adapter.Len() != 64 {
		t.Errorf("Expected 64 retained events, got %d", adapter.Len())
	}
	if adapter.Dropped() != 400-64 {
		t.Errorf("Expected %d dropped events, got %d", 400-64, adapter.Dropped())
	}
}
