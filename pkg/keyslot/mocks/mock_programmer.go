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

package mocks

import (
	"context"
	"sync"

	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
)

// ProgramCall records one ProgramKey invocation. Key and Salt are copies.
type ProgramCall struct {
	Slot         int
	Key          []byte
	Salt         []byte
	Device       int
	DataUnitSize uint32
}

// InvalidateCall records one InvalidateKey invocation.
type InvalidateCall struct {
	Slot   int
	Device int
}

// MockProgrammer is a mock implementation of keyslot.Programmer for testing.
// The configurable funcs run without the mock's lock held so they may block.
type MockProgrammer struct {
	mu sync.Mutex

	// Configurable behavior
	ProgramKeyFunc    func(ctx context.Context, slot int, key, salt []byte, dev *keyslot.Device, dataUnitSize uint32) error
	InvalidateKeyFunc func(ctx context.Context, slot int, dev *keyslot.Device) error

	// Call tracking
	programCalls    []ProgramCall
	invalidateCalls []InvalidateCall
}

// NewMockProgrammer creates a MockProgrammer that accepts every call.
func NewMockProgrammer() *MockProgrammer {
	return &MockProgrammer{}
}

// ProgramKey records the call and delegates to ProgramKeyFunc.
func (m *MockProgrammer) ProgramKey(ctx context.Context, slot int, key, salt []byte, dev *keyslot.Device, dataUnitSize uint32) error {
	call := ProgramCall{
		Slot:         slot,
		Key:          append([]byte(nil), key...),
		Salt:         append([]byte(nil), salt...),
		DataUnitSize: dataUnitSize,
	}
	if dev != nil {
		call.Device = dev.Number
	}

	m.mu.Lock()
	m.programCalls = append(m.programCalls, call)
	fn := m.ProgramKeyFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, slot, key, salt, dev, dataUnitSize)
	}
	return nil
}

// InvalidateKey records the call and delegates to InvalidateKeyFunc.
func (m *MockProgrammer) InvalidateKey(ctx context.Context, slot int, dev *keyslot.Device) error {
	call := InvalidateCall{Slot: slot}
	if dev != nil {
		call.Device = dev.Number
	}

	m.mu.Lock()
	m.invalidateCalls = append(m.invalidateCalls, call)
	fn := m.InvalidateKeyFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, slot, dev)
	}
	return nil
}

// ProgramCalls returns a copy of the recorded ProgramKey calls.
func (m *MockProgrammer) ProgramCalls() []ProgramCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProgramCall, len(m.programCalls))
	copy(out, m.programCalls)
	return out
}

// InvalidateCalls returns a copy of the recorded InvalidateKey calls.
func (m *MockProgrammer) InvalidateCalls() []InvalidateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InvalidateCall, len(m.invalidateCalls))
	copy(out, m.invalidateCalls)
	return out
}

// ProgramCount returns the number of ProgramKey calls.
func (m *MockProgrammer) ProgramCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.programCalls)
}

// InvalidateCount returns the number of InvalidateKey calls.
func (m *MockProgrammer) InvalidateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invalidateCalls)
}

// Reset clears recorded calls.
func (m *MockProgrammer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.programCalls = nil
	m.invalidateCalls = nil
}

var _ keyslot.Programmer = (*MockProgrammer)(nil)
