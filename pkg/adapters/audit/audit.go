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

// Package audit records administrative actions taken against the key cache.
//
// Removing a key, clearing a table and resetting a table all destroy hardware
// state that file I/O depends on. Each such action produces an AuditEvent
// naming who asked for it, which device it touched and whether it succeeded.
// Applications supply their own AuditAdapter or use the bounded in-memory
// adapter, which can also mirror every event to a structured logger.
package audit

import (
	"context"
	"time"
)

// EventType represents the type of audit event
type EventType string

const (
	// EventKeyRemove is a key evicted from every table.
	EventKeyRemove EventType = "key.remove"

	// EventTableClear is a device table invalidated through the hardware.
	EventTableClear EventType = "table.clear"

	// EventTableReset is a device table wiped after a controller reset.
	EventTableReset EventType = "table.reset"

	// EventConfigReload is a configuration reload.
	EventConfigReload EventType = "admin.config_reload"
)

// EventOutcome indicates the result of an operation
type EventOutcome string

const (
	OutcomeSuccess EventOutcome = "success"
	OutcomeFailure EventOutcome = "failure"
)

// AuditEvent represents a single audit log entry. It never carries key
// material.
type AuditEvent struct {
	// ID is a unique identifier for this audit event
	ID string `json:"id"`

	// Timestamp when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// EventType categorizes the event
	EventType EventType `json:"event_type"`

	// Outcome indicates whether the operation succeeded
	Outcome EventOutcome `json:"outcome"`

	// Principal is the subject of the authenticated caller
	Principal string `json:"principal,omitempty"`

	// Device is the device number, or -1 when the action spans every table
	Device int `json:"device"`

	// Result contains the error message of a failed action
	Result string `json:"result,omitempty"`

	// RequestID correlates this event with a request
	RequestID string `json:"request_id,omitempty"`

	// SourceIP is the address of the client
	SourceIP string `json:"source_ip,omitempty"`
}

// EventQuery provides filtering for audit event retrieval
type EventQuery struct {
	// EventTypes filters by event type
	EventTypes []EventType

	// Outcomes filters by outcome
	Outcomes []EventOutcome

	// PrincipalID filters by principal
	PrincipalID string

	// StartTime filters events after this time
	StartTime *time.Time

	// Limit limits the number of results
	Limit int
}

// AuditAdapter stores and retrieves audit events
type AuditAdapter interface {
	// LogEvent records an event. A missing ID or timestamp is filled in.
	LogEvent(ctx context.Context, event *AuditEvent) error

	// GetEvents returns matching events, newest first.
	GetEvents(ctx context.Context, query *EventQuery) ([]*AuditEvent, error)
}

// NewEvent returns an event of type t for device with the outcome taken
// from err.
func NewEvent(t EventType, device int, err error) *AuditEvent {
	e := &AuditEvent{
		EventType: t,
		Outcome:   OutcomeSuccess,
		Device:    device,
	}
	if err != nil {
		e.Outcome = OutcomeFailure
		e.Result = err.Error()
	}
	return e
}
