package embedded

import (
	_ "embed"
)

//go:embed profiles.yaml
var profiles []byte

// Profiles returns the embedded device profile table (YAML).
func Profiles() []byte {
	return profiles
}
