package flash

// Driver is the raw flash controller capability. Implementations talk to
// the real peripheral (or a model of it); bounds and verification live in
// Controller.
type Driver interface {
	// Unlock enables program and erase operations.
	Unlock() error

	// Lock disables program and erase operations.
	Lock() error

	// EraseSector erases one erase unit to ErasedValue.
	EraseSector(s Sector) error

	// ProgramWord programs one little-endian word at a word-aligned address.
	ProgramWord(address uint32, word uint32) error

	// Read copies len(p) bytes of flash starting at address.
	Read(address uint32, p []byte) error
}
