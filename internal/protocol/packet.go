package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Decoding errors. All of them are protocol-level: the device drops the
// frame without answering.
var (
	ErrChecksum       = errors.New("checksum mismatch")
	ErrShortPayload   = errors.New("payload too short")
	ErrLengthMismatch = errors.New("payload length does not match count")
)

// Command represents a bootloader request before framing.
type Command struct {
	Opcode  byte
	Count   byte
	Address uint32
	Data    []byte
}

// NewCommand creates a command without operands (erase, reset, jump, ...).
func NewCommand(op byte) *Command {
	return &Command{Opcode: op}
}

// NewWrite creates a Write command for data at address.
func NewWrite(address uint32, data []byte) *Command {
	return &Command{Opcode: CmdWrite, Count: byte(len(data)), Address: address, Data: data}
}

// NewVerify creates a Verify command comparing data against flash at address.
func NewVerify(address uint32, data []byte) *Command {
	return &Command{Opcode: CmdVerify, Count: byte(len(data)), Address: address, Data: data}
}

// NewRead creates a Read command for count bytes at address.
func NewRead(address uint32, count int) *Command {
	return &Command{Opcode: CmdRead, Count: byte(count), Address: address}
}

// Payload serializes the command and appends its checksum.
func (c *Command) Payload() []byte {
	// Payload format:
	// 0: opcode
	// 1: count
	// 2-3: padding (word alignment on the device)
	// 4-7: address (big-endian)
	// 8+: data (write/verify only)
	// last: CRC8 over everything before it

	if !HasOperand(c.Opcode) {
		return []byte{c.Opcode, CRC8([]byte{c.Opcode})}
	}

	payload := make([]byte, CommandHeaderSize+len(c.Data)+1)
	payload[0] = c.Opcode
	payload[1] = c.Count
	binary.BigEndian.PutUint32(payload[4:8], c.Address)
	copy(payload[CommandHeaderSize:], c.Data)
	payload[len(payload)-1] = CRC8(payload[:len(payload)-1])

	return payload
}

// Encode serializes the command into a complete wire frame.
func (c *Command) Encode() []byte {
	payload := c.Payload()
	frame := make([]byte, 0, 2+len(payload))
	frame = append(frame, SyncChar, byte(len(payload)))
	return append(frame, payload...)
}

// String implements fmt.Stringer.
func (c *Command) String() string {
	if !HasOperand(c.Opcode) {
		return CommandName(c.Opcode)
	}
	return fmt.Sprintf("%s count=%d address=0x%08X", CommandName(c.Opcode), c.Count, c.Address)
}

// ValidPayload reports whether the trailing byte of payload is the checksum
// of the bytes before it.
func ValidPayload(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	n := len(payload) - 1
	return CRC8(payload[:n]) == payload[n]
}

// ParseCommand decodes a checksummed payload into cmd. Data aliases payload so
// the caller can reuse one receive buffer without allocating.
func ParseCommand(payload []byte, cmd *Command) error {
	if len(payload) < 2 {
		return ErrShortPayload
	}
	if !ValidPayload(payload) {
		return ErrChecksum
	}

	*cmd = Command{Opcode: payload[0]}
	if !HasOperand(cmd.Opcode) {
		return nil
	}

	if len(payload) < CommandHeaderSize+1 {
		return ErrShortPayload
	}

	cmd.Count = payload[1]
	cmd.Address = binary.BigEndian.Uint32(payload[4:8])

	body := payload[CommandHeaderSize : len(payload)-1]
	switch cmd.Opcode {
	case CmdRead:
		if len(body) != 0 {
			return ErrLengthMismatch
		}
	default:
		if len(body) != int(cmd.Count) {
			return ErrLengthMismatch
		}
		cmd.Data = body
	}

	return nil
}

// EncodeBlock appends the checksum to a response data block.
func EncodeBlock(data []byte) []byte {
	block := make([]byte, len(data)+1)
	copy(block, data)
	block[len(data)] = CRC8(data)
	return block
}

// CheckBlock validates a response data block followed by its checksum and
// returns the data part.
func CheckBlock(block []byte) ([]byte, error) {
	if len(block) < 1 {
		return nil, ErrShortPayload
	}
	data := block[:len(block)-1]
	if want, got := CRC8(data), block[len(block)-1]; want != got {
		return nil, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrChecksum, want, got)
	}
	return data, nil
}
