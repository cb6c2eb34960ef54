package flash

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/bigbag/serial-bootloader/embedded"
)

// DefaultProfile is the device the host tools assume when none is given.
const DefaultProfile = "stm32f407xx"

// Profile is one entry of the device profile table.
type Profile struct {
	Description       string   `yaml:"description"`
	FlashBase         uint32   `yaml:"flash_base"`
	PageSize          uint32   `yaml:"page_size"`
	Pages             int      `yaml:"pages"`
	Sectors           []uint32 `yaml:"sectors"`
	BootloaderSectors int      `yaml:"bootloader_sectors"`
	RAMStart          uint32   `yaml:"ram_start"`
	RAMSize           uint32   `yaml:"ram_size"`
	AutoBaud          bool     `yaml:"auto_baud"`
	USBCDC            bool     `yaml:"usb_cdc"`
}

// Profiles maps profile names to their definitions.
type Profiles map[string]Profile

// ParseProfiles decodes a profile table.
func ParseProfiles(data []byte) (Profiles, error) {
	var doc struct {
		Profiles Profiles `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}
	if len(doc.Profiles) == 0 {
		return nil, fmt.Errorf("profile table is empty")
	}
	return doc.Profiles, nil
}

// BuiltinProfiles returns the profile table compiled into the binary.
func BuiltinProfiles() (Profiles, error) {
	return ParseProfiles(embedded.Profiles())
}

// Names returns the profile names in sorted order.
func (p Profiles) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named profile and its layout.
func (p Profiles) Lookup(name string) (Profile, Layout, error) {
	prof, ok := p[name]
	if !ok {
		return Profile{}, Layout{}, fmt.Errorf("unknown profile %q (known: %v)", name, p.Names())
	}
	layout, err := prof.Layout(name)
	if err != nil {
		return Profile{}, Layout{}, err
	}
	return prof, layout, nil
}

// Layout expands the profile into an address map. Page based families list
// page_size and pages; sector based ones list every sector size.
func (p Profile) Layout(name string) (Layout, error) {
	sizes := p.Sectors
	if len(sizes) == 0 {
		if p.PageSize == 0 || p.Pages == 0 {
			return Layout{}, fmt.Errorf("profile %s: needs either sectors or page_size and pages", name)
		}
		sizes = make([]uint32, p.Pages)
		for i := range sizes {
			sizes[i] = p.PageSize
		}
	}
	return NewLayout(name, p.FlashBase, sizes, p.BootloaderSectors, p.RAMStart, p.RAMSize)
}
