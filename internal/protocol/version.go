package protocol

import (
	"fmt"

	semver "go.bug.st/relaxed-semver"
)

// Version is the bootloader firmware version reported by GetVersion.
type Version struct {
	Major byte
	Minor byte
	Build byte
}

// Bytes returns the three version bytes in wire order.
func (v Version) Bytes() []byte {
	return []byte{v.Major, v.Minor, v.Build}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
}

// Semver returns the version as a semantic version.
func (v Version) Semver() *semver.Version {
	return semver.MustParse(v.String())
}

// AtLeast reports whether v is not older than min. An empty minimum accepts
// any version; an unparsable one accepts none.
func (v Version) AtLeast(min string) bool {
	if min == "" {
		return true
	}
	m, err := semver.Parse(min)
	if err != nil {
		return false
	}
	return !v.Semver().LessThan(m)
}

// ParseVersion decodes the version block (3 bytes plus checksum).
func ParseVersion(block []byte) (Version, error) {
	data, err := CheckBlock(block)
	if err != nil {
		return Version{}, err
	}
	if len(data) != VersionSize {
		return Version{}, fmt.Errorf("version block has %d bytes, want %d", len(data), VersionSize)
	}
	return Version{Major: data[0], Minor: data[1], Build: data[2]}, nil
}
