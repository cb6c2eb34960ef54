package flash

import "fmt"

// WordSize is the programming granularity of the flash controller.
const WordSize = 4

// ErasedValue is what every byte reads back as after an erase.
const ErasedValue = 0xFF

// Sector is one erase unit (a page or a sector, depending on the family).
type Sector struct {
	Address uint32
	Size    uint32
}

// End returns the first address after the sector.
func (s Sector) End() uint32 {
	return s.Address + s.Size
}

// Layout describes a device address map.
type Layout struct {
	Name    string
	Base    uint32
	Sectors []Sector

	// Reserved is the number of leading sectors holding the bootloader.
	Reserved int

	RAMStart uint32
	RAMEnd   uint32
}

// NewLayout builds a layout from consecutive erase unit sizes starting at base.
func NewLayout(name string, base uint32, sizes []uint32, reserved int, ramStart, ramSize uint32) (Layout, error) {
	if len(sizes) == 0 {
		return Layout{}, fmt.Errorf("layout %s: no sectors", name)
	}
	if reserved < 0 || reserved >= len(sizes) {
		return Layout{}, fmt.Errorf("layout %s: %d reserved sectors leave no application flash", name, reserved)
	}
	if ramSize == 0 {
		return Layout{}, fmt.Errorf("layout %s: empty RAM window", name)
	}

	l := Layout{
		Name:     name,
		Base:     base,
		Reserved: reserved,
		RAMStart: ramStart,
		RAMEnd:   ramStart + ramSize,
	}

	addr := uint64(base)
	for i, size := range sizes {
		if size == 0 || size%WordSize != 0 {
			return Layout{}, fmt.Errorf("layout %s: sector %d has invalid size %d", name, i, size)
		}
		if addr+uint64(size) > 1<<32 {
			return Layout{}, fmt.Errorf("layout %s: sector %d overflows the address space", name, i)
		}
		l.Sectors = append(l.Sectors, Sector{Address: uint32(addr), Size: size})
		addr += uint64(size)
	}

	return l, nil
}

// Size returns the total flash size in bytes.
func (l Layout) Size() uint32 {
	return l.End() - l.Base
}

// End returns the first address after flash.
func (l Layout) End() uint32 {
	return l.Sectors[len(l.Sectors)-1].End()
}

// WritableStart is the first application address; everything below it
// belongs to the bootloader.
func (l Layout) WritableStart() uint32 {
	return l.Sectors[l.Reserved].Address
}

// WritableEnd is the first address after application flash.
func (l Layout) WritableEnd() uint32 {
	return l.End()
}

// WritableSize returns the number of application flash bytes.
func (l Layout) WritableSize() uint32 {
	return l.WritableEnd() - l.WritableStart()
}

// Contains reports whether [address, address+count) lies inside the
// application region.
func (l Layout) Contains(address uint32, count int) bool {
	if count < 0 {
		return false
	}
	start := uint64(address)
	end := start + uint64(count)
	return start >= uint64(l.WritableStart()) &&
		start < uint64(l.WritableEnd()) &&
		end <= uint64(l.WritableEnd())
}

// ApplicationSectors returns every erase unit outside the bootloader.
func (l Layout) ApplicationSectors() []Sector {
	return l.Sectors[l.Reserved:]
}

// PlausibleStackPointer reports whether sp could be an initial main stack
// pointer: word aligned and inside RAM. The stack grows down, so the top of
// RAM itself is a valid value.
func (l Layout) PlausibleStackPointer(sp uint32) bool {
	return sp%WordSize == 0 && sp > l.RAMStart && sp <= l.RAMEnd
}

func (l Layout) String() string {
	return fmt.Sprintf("%s flash 0x%08X-0x%08X application 0x%08X-0x%08X ram 0x%08X-0x%08X",
		l.Name, l.Base, l.End(), l.WritableStart(), l.WritableEnd(), l.RAMStart, l.RAMEnd)
}
