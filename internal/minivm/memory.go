package minivm

import (
	"encoding/binary"
	"sync"
)

// Memory is the MiniVM's linear address space: code, rodata, bss, stack,
// and heap all live in one contiguous, bounds-checked buffer, matching
// the single-address-space model in §3. All multibyte values are
// little-endian, the same endianness as instruction words (§4.2) —
// unlike the ".hxe" file format, which is big-endian (§6).
//
// Grounded on the teacher's machine_bus.go (RWMutex-guarded byte slice,
// binary.LittleEndian accessors, bounds checks returning ok rather than
// panicking).
type Memory struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemory allocates a zeroed arena of size bytes.
func NewMemory(size int) *Memory {
	return &Memory{data: make([]byte, size)}
}

// Len returns the arena size in bytes.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Read8 reads one byte at addr. ok is false if addr is out of bounds.
func (m *Memory) Read8(addr uint32) (byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(addr) >= len(m.data) {
		return 0, false
	}
	return m.data[addr], true
}

// Write8 writes one byte at addr. ok is false if addr is out of bounds.
func (m *Memory) Write8(addr uint32, v byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(addr) >= len(m.data) {
		return false
	}
	m.data[addr] = v
	return true
}

// Read16 reads a little-endian halfword at addr.
func (m *Memory) Read16(addr uint32) (uint16, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(addr)+2 > len(m.data) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(m.data[addr:]), true
}

// Write16 writes a little-endian halfword at addr.
func (m *Memory) Write16(addr uint32, v uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(addr)+2 > len(m.data) {
		return false
	}
	binary.LittleEndian.PutUint16(m.data[addr:], v)
	return true
}

// Read32 reads a little-endian word at addr.
func (m *Memory) Read32(addr uint32) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(addr)+4 > len(m.data) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.data[addr:]), true
}

// Write32 writes a little-endian word at addr.
func (m *Memory) Write32(addr uint32, v uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(addr)+4 > len(m.data) {
		return false
	}
	binary.LittleEndian.PutUint32(m.data[addr:], v)
	return true
}

// CopyIn copies src into the arena starting at addr. ok is false if it
// would run past the end of the arena.
func (m *Memory) CopyIn(addr uint32, src []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(addr)+len(src) > len(m.data) {
		return false
	}
	copy(m.data[addr:], src)
	return true
}

// Zero clears [addr, addr+n) to zero.
func (m *Memory) Zero(addr uint32, n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(addr)+n > len(m.data) {
		return false
	}
	clear(m.data[int(addr) : int(addr)+n])
	return true
}

// Snapshot returns a copy of the full arena. The executive's backstep
// does not use it; backstep records registers only.
func (m *Memory) Snapshot() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Restore replaces the arena contents with snap, which must be the same
// length as the arena.
func (m *Memory) Restore(snap []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(snap) != len(m.data) {
		return false
	}
	copy(m.data, snap)
	return true
}
