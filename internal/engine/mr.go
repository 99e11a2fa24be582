package engine

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const (
	// mrTableSize is the number of registration slots. Key index bits are
	// sized to address exactly this many slots.
	mrTableSize = 256
	// mrKeyIndexShift positions the slot index in the top byte of a key;
	// the low 24 bits are the per-registration secret.
	mrKeyIndexShift = 24
	mrKeySecretMask = 0x00FFFFFF

	// mrBaseStart and mrBaseAlign lay out the synthetic address space
	// handed to applications: each registration gets a page-aligned base
	// with a guard gap, so address arithmetic behaves like real virtual
	// addresses and off-by-one accesses never land in a neighbor region.
	mrBaseStart = uint64(0x0000_1000_0000)
	mrBaseAlign = uint64(4096)
)

// MemoryRegion is a registered, permission-checked byte range. The engine
// hands out synthetic base addresses; applications and peers address the
// region with them exactly as they would with virtual addresses.
type MemoryRegion struct {
	LKey   uint32
	RKey   uint32
	Base   uint64
	Length int

	perms AccessFlag
	buf   []byte
}

// mrTable is the process-wide registration table. Slots hold atomic
// pointers so validation is lock-free and registration/deregistration
// mutates exactly one entry.
type mrTable struct {
	slots    [mrTableSize]atomic.Pointer[MemoryRegion]
	nextBase atomic.Uint64
}

func newMRTable() *mrTable {
	t := &mrTable{}
	t.nextBase.Store(mrBaseStart)
	return t
}

// register claims a free slot for buf and returns the region with fresh
// lkey/rkey secrets. Freed slots are reusable; their secrets rotate, so
// keys from an earlier registration fail with ErrStaleKey.
func (t *mrTable) register(buf []byte, perms AccessFlag) (*MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("register: zero-length buffer")
	}

	size := (uint64(len(buf)) + mrBaseAlign - 1) &^ (mrBaseAlign - 1)
	base := t.nextBase.Add(size + mrBaseAlign) - (size + mrBaseAlign)

	for idx := 0; idx < mrTableSize; idx++ {
		slot := &t.slots[idx]
		if slot.Load() != nil {
			continue
		}
		mr := &MemoryRegion{
			LKey:   makeKey(idx, randSecret()),
			RKey:   makeKey(idx, randSecret()),
			Base:   base,
			Length: len(buf),
			perms:  perms,
			buf:    buf,
		}
		for mr.RKey == mr.LKey {
			mr.RKey = makeKey(idx, randSecret())
		}
		if slot.CompareAndSwap(nil, mr) {
			log.Debug().
				Uint32("lkey", mr.LKey).
				Uint32("rkey", mr.RKey).
				Uint64("base", mr.Base).
				Int("length", mr.Length).
				Msg("Registered memory region")
			return mr, nil
		}
	}
	return nil, fmt.Errorf("register: %w: memory region table full", ErrResourceExhausted)
}

// deregister releases the slot addressed by key (either the lkey or the
// rkey). Validation of that key fails with ErrStaleKey from this point on.
func (t *mrTable) deregister(key uint32) error {
	idx := int(key >> mrKeyIndexShift)
	slot := &t.slots[idx]
	mr := slot.Load()
	if mr == nil || (key != mr.LKey && key != mr.RKey) {
		return fmt.Errorf("deregister key 0x%08x: %w", key, ErrStaleKey)
	}
	if !slot.CompareAndSwap(mr, nil) {
		return fmt.Errorf("deregister key 0x%08x: %w", key, ErrStaleKey)
	}
	log.Debug().Uint32("lkey", mr.LKey).Uint32("rkey", mr.RKey).Msg("Deregistered memory region")
	return nil
}

// lookup resolves a key to its live region.
func (t *mrTable) lookup(key uint32) (*MemoryRegion, error) {
	mr := t.slots[key>>mrKeyIndexShift].Load()
	if mr == nil || (key != mr.LKey && key != mr.RKey) {
		return nil, ErrStaleKey
	}
	return mr, nil
}

// validateLocal checks an offset-addressed access and returns the byte
// window it covers.
func (t *mrTable) validateLocal(key uint32, offset uint64, n uint32, need AccessFlag) ([]byte, error) {
	mr, err := t.lookup(key)
	if err != nil {
		return nil, err
	}
	return mr.window(offset, n, need)
}

// validateRemote checks an address-carrying access from the wire and
// returns the byte window it covers.
func (t *mrTable) validateRemote(key uint32, raddr uint64, n uint32, need AccessFlag) ([]byte, error) {
	mr, err := t.lookup(key)
	if err != nil {
		return nil, err
	}
	if raddr < mr.Base {
		return nil, ErrOutOfBounds
	}
	return mr.window(raddr-mr.Base, n, need)
}

// window bounds- and permission-checks [offset, offset+n) within the
// region and returns the backing bytes.
func (mr *MemoryRegion) window(offset uint64, n uint32, need AccessFlag) ([]byte, error) {
	if !mr.perms.Has(need) {
		return nil, ErrPermissionDenied
	}
	end := offset + uint64(n)
	if end < offset || end > uint64(mr.Length) {
		return nil, ErrOutOfBounds
	}
	return mr.buf[offset:end], nil
}

func makeKey(idx int, secret uint32) uint32 {
	return uint32(idx)<<mrKeyIndexShift | (secret & mrKeySecretMask)
}

func randSecret() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		log.Error().Err(err).Msg("Memory key secret generation failed")
	}
	return binary.BigEndian.Uint32(b[:])
}
