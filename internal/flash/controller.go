package flash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Command-level failures. The bootloader answers every one of them with a NACK.
var (
	ErrOutOfRange = errors.New("address range outside application flash")
	ErrUnaligned  = errors.New("address is not word aligned")
	ErrProgram    = errors.New("flash program failed")
	ErrVerify     = errors.New("flash readback mismatch after program")
	ErrMismatch   = errors.New("flash contents differ")
	ErrErase      = errors.New("flash erase failed")
)

// Controller performs bounds-checked operations on application flash.
type Controller struct {
	drv    Driver
	layout Layout
	log    logrus.FieldLogger
}

// NewController creates a Controller for drv with the given layout.
func NewController(drv Driver, layout Layout, log logrus.FieldLogger) *Controller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{drv: drv, layout: layout, log: log}
}

// Layout returns the address map the controller enforces.
func (c *Controller) Layout() Layout {
	return c.layout
}

// CheckRange rejects any range that touches the bootloader or leaves flash.
func (c *Controller) CheckRange(address uint32, count int) error {
	if !c.layout.Contains(address, count) {
		return fmt.Errorf("%w: 0x%08X+%d not in 0x%08X-0x%08X", ErrOutOfRange,
			address, count, c.layout.WritableStart(), c.layout.WritableEnd())
	}
	return nil
}

// Write programs data at address one word at a time and reads every word back
// before moving on. A trailing partial word is padded with ErasedValue. The
// controller is unlocked only for the duration of the call.
func (c *Controller) Write(address uint32, data []byte) (err error) {
	if err := c.CheckRange(address, len(data)); err != nil {
		return err
	}
	if address%WordSize != 0 {
		return fmt.Errorf("%w: 0x%08X", ErrUnaligned, address)
	}

	if err := c.drv.Unlock(); err != nil {
		return fmt.Errorf("%w: unlock: %v", ErrProgram, err)
	}
	defer func() {
		if lerr := c.drv.Lock(); lerr != nil && err == nil {
			err = fmt.Errorf("%w: lock: %v", ErrProgram, lerr)
		}
	}()

	var word, readback [WordSize]byte
	for off := 0; off < len(data); off += WordSize {
		n := copy(word[:], data[off:])
		for i := n; i < WordSize; i++ {
			word[i] = ErasedValue
		}

		addr := address + uint32(off)
		if err := c.drv.ProgramWord(addr, binary.LittleEndian.Uint32(word[:])); err != nil {
			c.log.WithField("address", fmt.Sprintf("0x%08X", addr)).WithError(err).Warn("Program word failed")
			return fmt.Errorf("%w at 0x%08X: %v", ErrProgram, addr, err)
		}

		if err := c.drv.Read(addr, readback[:]); err != nil {
			return fmt.Errorf("%w at 0x%08X: %v", ErrVerify, addr, err)
		}
		if !bytes.Equal(readback[:n], word[:n]) {
			c.log.WithField("address", fmt.Sprintf("0x%08X", addr)).Warn("Readback mismatch")
			return fmt.Errorf("%w at 0x%08X", ErrVerify, addr)
		}
	}

	return nil
}

// Verify compares flash at address against data without programming.
func (c *Controller) Verify(address uint32, data []byte) error {
	if err := c.CheckRange(address, len(data)); err != nil {
		return err
	}

	var current [WordSize]byte
	for off := 0; off < len(data); off += WordSize {
		n := len(data) - off
		if n > WordSize {
			n = WordSize
		}

		addr := address + uint32(off)
		if err := c.drv.Read(addr, current[:n]); err != nil {
			return fmt.Errorf("read 0x%08X: %w", addr, err)
		}
		if !bytes.Equal(current[:n], data[off:off+n]) {
			return fmt.Errorf("%w at 0x%08X", ErrMismatch, addr)
		}
	}

	return nil
}

// Read copies len(p) bytes of application flash starting at address.
func (c *Controller) Read(address uint32, p []byte) error {
	if err := c.CheckRange(address, len(p)); err != nil {
		return err
	}
	return c.drv.Read(address, p)
}

// EraseApplication erases every sector outside the bootloader.
func (c *Controller) EraseApplication() (err error) {
	if err := c.drv.Unlock(); err != nil {
		return fmt.Errorf("%w: unlock: %v", ErrErase, err)
	}
	defer func() {
		if lerr := c.drv.Lock(); lerr != nil && err == nil {
			err = fmt.Errorf("%w: lock: %v", ErrErase, lerr)
		}
	}()

	for _, s := range c.layout.ApplicationSectors() {
		if err := c.drv.EraseSector(s); err != nil {
			return fmt.Errorf("%w: sector 0x%08X: %v", ErrErase, s.Address, err)
		}
	}

	c.log.WithField("sectors", len(c.layout.ApplicationSectors())).Debug("Application flash erased")
	return nil
}

// VectorTable returns the initial stack pointer and reset vector stored at
// the start of application flash.
func (c *Controller) VectorTable() (sp, pc uint32, err error) {
	var vt [2 * WordSize]byte
	if err := c.drv.Read(c.layout.WritableStart(), vt[:]); err != nil {
		return 0, 0, fmt.Errorf("read vector table: %w", err)
	}
	return binary.LittleEndian.Uint32(vt[0:4]), binary.LittleEndian.Uint32(vt[4:8]), nil
}
