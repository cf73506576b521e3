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

// Package pkcs11 programs key slots into a PKCS#11 token. Each hardware slot
// is represented by one session secret object labelled with the device and
// slot index. Programming replaces the object; invalidation destroys it.
//
// Build with the pkcs11 tag and point Config.Library at the vendor module,
// for example SoftHSM:
//
//	prog, err := pkcs11.New(&pkcs11.Config{
//	    Library: "/usr/lib/softhsm/libsofthsm2.so",
//	    PIN:     "1234",
//	})
//	cache := keyslot.New(prog, nil)
package pkcs11

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
)

// DefaultLabelPrefix prefixes every slot object label.
const DefaultLabelPrefix = "keyslot"

var (
	// ErrNoLibrary is returned when Config.Library is empty.
	ErrNoLibrary = errors.New("pkcs11: library path is required")

	// ErrLoadLibrary is returned when the module cannot be loaded.
	ErrLoadLibrary = errors.New("pkcs11: failed to load library")

	// ErrNoTokenSlot is returned when the module reports no token.
	ErrNoTokenSlot = errors.New("pkcs11: no token slot available")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pkcs11: programmer closed")
)

// Config configures a Programmer.
type Config struct {
	// Library is the path of the PKCS#11 module.
	Library string

	// TokenSlot selects the token slot. Defaults to the first slot with a
	// token present.
	TokenSlot *uint

	// PIN is the user PIN. Login is skipped when empty.
	PIN string

	// LabelPrefix prefixes object labels. Defaults to DefaultLabelPrefix.
	LabelPrefix string

	// Logger receives diagnostic output. Defaults to logger.Discard.
	Logger logger.Logger
}

// module is the subset of *pkcs11.Ctx the programmer uses.
type module interface {
	Initialize() error
	Finalize() error
	Destroy()
	GetSlotList(tokenPresent bool) ([]uint, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	CreateObject(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) (pkcs11.ObjectHandle, error)
	DestroyObject(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
}

// Programmer is a keyslot.Programmer backed by a PKCS#11 token. Calls are
// serialized on one session.
type Programmer struct {
	mu      sync.Mutex
	p11     module
	session pkcs11.SessionHandle
	prefix  string
	logger  logger.Logger
	closed  bool
}

// New loads the module, opens a read-write session and logs in.
func New(cfg *Config) (*Programmer, error) {
	if cfg == nil || cfg.Library == "" {
		return nil, ErrNoLibrary
	}
	p := pkcs11.New(cfg.Library)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrLoadLibrary, cfg.Library)
	}
	prog, err := open(p, cfg)
	if err != nil {
		p.Destroy()
		return nil, err
	}
	return prog, nil
}

func open(p module, cfg *Config) (*Programmer, error) {
	if err := p.Initialize(); err != nil {
		if !errors.Is(err, pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)) {
			return nil, fmt.Errorf("pkcs11: initialize: %w", err)
		}
	}

	var slot uint
	if cfg.TokenSlot != nil {
		slot = *cfg.TokenSlot
	} else {
		slots, err := p.GetSlotList(true)
		if err != nil {
			return nil, fmt.Errorf("pkcs11: get slot list: %w", err)
		}
		if len(slots) == 0 {
			return nil, ErrNoTokenSlot
		}
		slot = slots[0]
	}

	session, err := p.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return nil, fmt.Errorf("pkcs11: open session: %w", err)
	}
	if cfg.PIN != "" {
		if err := p.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil {
			if !errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)) {
				_ = p.CloseSession(session)
				return nil, fmt.Errorf("pkcs11: login: %w", err)
			}
		}
	}

	prog := &Programmer{
		p11:     p,
		session: session,
		prefix:  cfg.LabelPrefix,
		logger:  cfg.Logger,
	}
	if prog.prefix == "" {
		prog.prefix = DefaultLabelPrefix
	}
	if prog.logger == nil {
		prog.logger = logger.Discard()
	}
	prog.logger.Info("pkcs11 programmer ready", logger.Int64("token_slot", int64(slot)))
	return prog, nil
}

// Label returns the object label used for slot on dev.
func (p *Programmer) Label(dev *keyslot.Device, slot int) string {
	return fmt.Sprintf("%s-%d-%d", p.prefix, dev.Number, slot)
}

// ProgramKey implements keyslot.Programmer. Any object already holding the
// slot is destroyed first.
func (p *Programmer) ProgramKey(ctx context.Context, slot int, key, salt []byte, dev *keyslot.Device, dataUnitSize uint32) error {
	if dev == nil {
		return fmt.Errorf("%w: nil device", keyslot.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	label := p.Label(dev, slot)
	if err := p.destroyLabel(label); err != nil {
		return err
	}

	// XTS needs both halves, which exceeds CKK_AES lengths, so the pair is
	// stored as one generic secret.
	value := make([]byte, 0, len(key)+len(salt))
	value = append(value, key...)
	value = append(value, salt...)
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, value),
	}
	_, err := p.p11.CreateObject(p.session, template)
	keyslot.Wipe(value)
	if err != nil {
		return fmt.Errorf("pkcs11: create slot object %s: %w", label, err)
	}

	p.logger.Debug("slot object created",
		logger.String("label", label),
		logger.Int64("data_unit_size", int64(dataUnitSize)))
	return nil
}

// InvalidateKey implements keyslot.Programmer. A slot without an object is
// already invalid.
func (p *Programmer) InvalidateKey(ctx context.Context, slot int, dev *keyslot.Device) error {
	if dev == nil {
		return fmt.Errorf("%w: nil device", keyslot.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.destroyLabel(p.Label(dev, slot))
}

// destroyLabel removes every object carrying label. Must be called with the
// lock held.
func (p *Programmer) destroyLabel(label string) error {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	if err := p.p11.FindObjectsInit(p.session, template); err != nil {
		return fmt.Errorf("pkcs11: find init %s: %w", label, err)
	}
	objs, _, err := p.p11.FindObjects(p.session, 16)
	if err != nil {
		_ = p.p11.FindObjectsFinal(p.session)
		return fmt.Errorf("pkcs11: find %s: %w", label, err)
	}
	if err := p.p11.FindObjectsFinal(p.session); err != nil {
		return fmt.Errorf("pkcs11: find final %s: %w", label, err)
	}

	for _, obj := range objs {
		if err := p.p11.DestroyObject(p.session, obj); err != nil {
			return fmt.Errorf("pkcs11: destroy %s: %w", label, err)
		}
	}
	return nil
}

// Close closes the session and unloads the module. Session objects vanish
// with the session.
func (p *Programmer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if err := p.p11.CloseSession(p.session); err != nil {
		errs = append(errs, fmt.Errorf("pkcs11: close session: %w", err))
	}
	if err := p.p11.Finalize(); err != nil {
		errs = append(errs, fmt.Errorf("pkcs11: finalize: %w", err))
	}
	p.p11.Destroy()
	return errors.Join(errs...)
}

var _ keyslot.Programmer = (*Programmer)(nil)
