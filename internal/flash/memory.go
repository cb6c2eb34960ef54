package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrLocked is returned by Memory when a program or erase is attempted while
// the controller is locked.
var ErrLocked = errors.New("flash controller locked")

// Memory models a NOR flash array: erase sets bytes to ErasedValue and
// programming can only clear bits. It implements Driver for the emulator and
// for tests.
type Memory struct {
	mu     sync.Mutex
	layout Layout
	data   []byte
	locked bool

	// FailProgram, when set, makes ProgramWord fail for matching addresses.
	FailProgram func(address uint32) bool

	// FailErase, when set, makes EraseSector fail for matching sectors.
	FailErase func(s Sector) bool

	unlocks int
}

// NewMemory creates an erased, locked flash array covering layout.
func NewMemory(layout Layout) *Memory {
	data := make([]byte, layout.Size())
	for i := range data {
		data[i] = ErasedValue
	}
	return &Memory{layout: layout, data: data, locked: true}
}

func (m *Memory) Unlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = false
	m.unlocks++
	return nil
}

func (m *Memory) Lock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = true
	return nil
}

// Locked reports whether the controller is currently locked.
func (m *Memory) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// Unlocks returns how many times the controller has been unlocked.
func (m *Memory) Unlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlocks
}

func (m *Memory) EraseSector(s Sector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return ErrLocked
	}
	if m.FailErase != nil && m.FailErase(s) {
		return fmt.Errorf("erase error at 0x%08X", s.Address)
	}

	off, err := m.offset(s.Address, int(s.Size))
	if err != nil {
		return err
	}
	for i := off; i < off+int(s.Size); i++ {
		m.data[i] = ErasedValue
	}
	return nil
}

func (m *Memory) ProgramWord(address uint32, word uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return ErrLocked
	}
	if address%WordSize != 0 {
		return fmt.Errorf("unaligned program at 0x%08X", address)
	}
	if m.FailProgram != nil && m.FailProgram(address) {
		return fmt.Errorf("program error at 0x%08X", address)
	}

	off, err := m.offset(address, WordSize)
	if err != nil {
		return err
	}

	var b [WordSize]byte
	binary.LittleEndian.PutUint32(b[:], word)
	for i := range b {
		m.data[off+i] &= b[i]
	}
	return nil
}

func (m *Memory) Read(address uint32, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	off, err := m.offset(address, len(p))
	if err != nil {
		return err
	}
	copy(p, m.data[off:])
	return nil
}

// Load overwrites the array with image starting at the flash base, as if it
// had been programmed by external hardware.
func (m *Memory) Load(image []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(image) > len(m.data) {
		return fmt.Errorf("image of %d bytes exceeds flash size %d", len(image), len(m.data))
	}
	copy(m.data, image)
	return nil
}

// Bytes returns a copy of the whole array.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

func (m *Memory) offset(address uint32, n int) (int, error) {
	if address < m.layout.Base || uint64(address)+uint64(n) > uint64(m.layout.End()) {
		return 0, fmt.Errorf("access 0x%08X+%d outside flash", address, n)
	}
	return int(address - m.layout.Base), nil
}
