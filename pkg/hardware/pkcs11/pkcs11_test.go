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

//go:build pkcs11

package pkcs11

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
)

// fakeModule keeps secret objects in memory keyed by handle.
type fakeModule struct {
	mu        sync.Mutex
	next      pkcs11.ObjectHandle
	objects   map[pkcs11.ObjectHandle]map[uint][]byte
	search    []*pkcs11.Attribute
	slots     []uint
	loginErr  error
	createErr error
	loggedIn  bool
	closed    bool
	finalized bool
	destroyed bool
}

func newFakeModule() *fakeModule {
	return &fakeModule{objects: make(map[pkcs11.ObjectHandle]map[uint][]byte), slots: []uint{7}}
}

func (m *fakeModule) Initialize() error { return nil }
func (m *fakeModule) Finalize() error   { m.finalized = true; return nil }
func (m *fakeModule) Destroy()          { m.destroyed = true }

func (m *fakeModule) GetSlotList(bool) ([]uint, error) { return m.slots, nil }

func (m *fakeModule) OpenSession(uint, uint) (pkcs11.SessionHandle, error) { return 1, nil }

func (m *fakeModule) CloseSession(pkcs11.SessionHandle) error { m.closed = true; return nil }

func (m *fakeModule) Login(pkcs11.SessionHandle, uint, string) error {
	if m.loginErr != nil {
		return m.loginErr
	}
	m.loggedIn = true
	return nil
}

func (m *fakeModule) CreateObject(_ pkcs11.SessionHandle, temp []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.next++
	attrs := make(map[uint][]byte, len(temp))
	for _, a := range temp {
		attrs[a.Type] = append([]byte(nil), a.Value...)
	}
	m.objects[m.next] = attrs
	return m.next, nil
}

func (m *fakeModule) DestroyObject(_ pkcs11.SessionHandle, oh pkcs11.ObjectHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, oh)
	return nil
}

func (m *fakeModule) FindObjectsInit(_ pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	m.search = temp
	return nil
}

func (m *fakeModule) FindObjects(pkcs11.SessionHandle, int) ([]pkcs11.ObjectHandle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pkcs11.ObjectHandle
	for h, attrs := range m.objects {
		match := true
		for _, a := range m.search {
			if !bytes.Equal(attrs[a.Type], a.Value) {
				match = false
				break
			}
		}
		if match {
			out = append(out, h)
		}
	}
	return out, false, nil
}

func (m *fakeModule) FindObjectsFinal(pkcs11.SessionHandle) error {
	m.search = nil
	return nil
}

func (m *fakeModule) valueOf(label string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, attrs := range m.objects {
		if string(attrs[pkcs11.CKA_LABEL]) == label {
			return attrs[pkcs11.CKA_VALUE]
		}
	}
	return nil
}

func (m *fakeModule) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func newTestProgrammer(t *testing.T) (*Programmer, *fakeModule) {
	t.Helper()
	m := newFakeModule()
	p, err := open(m, &Config{PIN: "1234", Logger: logger.Discard()})
	require.NoError(t, err)
	return p, m
}

func TestNew_RequiresLibrary(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrNoLibrary)
	_, err = New(&Config{})
	require.ErrorIs(t, err, ErrNoLibrary)
}

func TestOpen(t *testing.T) {
	t.Run("logs in with pin", func(t *testing.T) {
		p, m := newTestProgrammer(t)
		assert.True(t, m.loggedIn)
		assert.Equal(t, DefaultLabelPrefix, p.prefix)
	})

	t.Run("already logged in is accepted", func(t *testing.T) {
		m := newFakeModule()
		m.loginErr = pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
		_, err := open(m, &Config{PIN: "1234"})
		require.NoError(t, err)
	})

	t.Run("login failure closes session", func(t *testing.T) {
		m := newFakeModule()
		m.loginErr = pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
		_, err := open(m, &Config{PIN: "bad"})
		require.Error(t, err)
		assert.True(t, m.closed)
	})

	t.Run("no token", func(t *testing.T) {
		m := newFakeModule()
		m.slots = nil
		_, err := open(m, &Config{})
		require.ErrorIs(t, err, ErrNoTokenSlot)
	})
}

func TestProgrammer_ProgramAndInvalidate(t *testing.T) {
	p, m := newTestProgrammer(t)
	ctx := context.Background()
	dev := &keyslot.Device{Number: 3}
	key := bytes.Repeat([]byte{0x11}, 32)
	salt := bytes.Repeat([]byte{0x22}, 32)

	require.NoError(t, p.ProgramKey(ctx, 5, key, salt, dev, 4096))
	assert.Equal(t, "keyslot-3-5", p.Label(dev, 5))
	assert.Equal(t, append(append([]byte(nil), key...), salt...), m.valueOf("keyslot-3-5"))

	// Reprogramming replaces the object.
	other := bytes.Repeat([]byte{0x33}, 32)
	require.NoError(t, p.ProgramKey(ctx, 5, other, salt, dev, 4096))
	assert.Equal(t, 1, m.count())
	assert.Equal(t, other, m.valueOf("keyslot-3-5")[:32])

	require.NoError(t, p.InvalidateKey(ctx, 5, dev))
	assert.Zero(t, m.count())
	require.NoError(t, p.InvalidateKey(ctx, 5, dev))
}

func TestProgrammer_Errors(t *testing.T) {
	p, m := newTestProgrammer(t)
	key := make([]byte, 32)

	require.ErrorIs(t, p.ProgramKey(context.Background(), 2, key, key, nil, 0), keyslot.ErrInvalidArgument)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.ProgramKey(ctx, 2, key, key, &keyslot.Device{}, 0), context.Canceled)

	m.createErr = pkcs11.Error(pkcs11.CKR_DEVICE_ERROR)
	err := p.ProgramKey(context.Background(), 2, key, key, &keyslot.Device{}, 0)
	require.True(t, errors.Is(err, pkcs11.Error(pkcs11.CKR_DEVICE_ERROR)))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, m.finalized)
	assert.True(t, m.destroyed)
	require.ErrorIs(t, p.InvalidateKey(context.Background(), 2, &keyslot.Device{}), ErrClosed)
}

func TestProgrammer_WithKeyCache(t *testing.T) {
	p, m := newTestProgrammer(t)
	cache := keyslot.New(p, &keyslot.Options{TableSize: 2, Logger: logger.Discard()})
	defer cache.Close()

	dev := &keyslot.Device{Number: 0}
	_, err := cache.ConstructTable(dev)
	require.NoError(t, err)

	key := bytes.Repeat([]byte{0x44}, 32)
	salt := bytes.Repeat([]byte{0x55}, 32)
	slot, err := cache.BeginUse(context.Background(), &keyslot.UseRequest{Key: key, Salt: salt, Device: dev})
	require.NoError(t, err)
	assert.NotNil(t, m.valueOf(p.Label(dev, slot)))
	cache.EndUse(key, salt, dev)

	require.NoError(t, cache.ClearTable(context.Background(), dev))
	assert.Zero(t, m.count())
}

// TestSoftHSM runs against a real module when KEYSLOT_PKCS11_LIBRARY is set.
func TestSoftHSM(t *testing.T) {
	lib := os.Getenv("KEYSLOT_PKCS11_LIBRARY")
	if lib == "" {
		t.Skip("KEYSLOT_PKCS11_LIBRARY not set")
	}
	p, err := New(&Config{Library: lib, PIN: os.Getenv("KEYSLOT_PKCS11_PIN")})
	require.NoError(t, err)
	defer p.Close()

	dev := &keyslot.Device{Number: 0}
	key := bytes.Repeat([]byte{0x66}, 32)
	require.NoError(t, p.ProgramKey(context.Background(), 2, key, key, dev, 4096))
	require.NoError(t, p.InvalidateKey(context.Background(), 2, dev))
}
