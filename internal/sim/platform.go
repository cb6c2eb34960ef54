package sim

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// JumpTarget records a hand-off to the application.
type JumpTarget struct {
	SP uint32
	PC uint32
}

// Platform is a simulated board: a boot pin, the boot intent register and
// records of resets and jumps.
type Platform struct {
	mu     sync.Mutex
	pin    bool
	intent byte
	resets int
	jumps  []JumpTarget
	log    logrus.FieldLogger
}

// NewPlatform creates a board with the given boot pin level and intent.
func NewPlatform(bootPin bool, intent byte, log logrus.FieldLogger) *Platform {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Platform{pin: bootPin, intent: intent, log: log}
}

func (p *Platform) BootPinAsserted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pin
}

// SetBootPin changes the pin level seen on the next boot.
func (p *Platform) SetBootPin(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pin = v
}

func (p *Platform) ReadBootIntent() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intent
}

func (p *Platform) ClearBootIntent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intent = 0
}

// SetBootIntent plays the application writing the intent register.
func (p *Platform) SetBootIntent(v byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intent = v
}

func (p *Platform) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.log.Info("Board reset")
}

func (p *Platform) Jump(sp, pc uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jumps = append(p.jumps, JumpTarget{SP: sp, PC: pc})
	p.log.WithFields(logrus.Fields{"sp": sp, "pc": pc}).Info("Application started")
}

// Resets returns how many resets were requested.
func (p *Platform) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

// Jumps returns every recorded jump.
func (p *Platform) Jumps() []JumpTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]JumpTarget(nil), p.jumps...)
}
