package protocol

// Bootloader command opcodes
const (
	CmdHelp       = 0x40
	CmdWrite      = 0x50
	CmdRead       = 0x51
	CmdErase      = 0x52
	CmdReset      = 0x53
	CmdJump       = 0x54
	CmdVerify     = 0x55
	CmdGetVersion = 0x56

	// CmdConnect is sent unframed by the host to open a session. Its bit
	// pattern (0x7F) is also what the device measures for auto-baud.
	CmdConnect = 0x7F
)

// Response status bytes
const (
	Ack   = 0x90
	Nack  = 0x91
	Error = 0x92
)

// SyncChar starts every frame.
const SyncChar = '$'

// Frame geometry
const (
	// MaxPayloadSize is the largest payload the one-byte length field can describe.
	MaxPayloadSize = 0xFF

	// CommandHeaderSize covers opcode, count, two padding bytes and the address.
	CommandHeaderSize = 8

	// MaxDataSize is the largest word-aligned data block that fits a single
	// Write or Verify frame together with the header and checksum.
	MaxDataSize = 244

	// VersionSize is the number of version bytes returned by GetVersion.
	VersionSize = 3
)

// Link defaults
const (
	DefaultBaudRate  = 115200
	DefaultChunkSize = 240
)

// CommandName returns human-readable name for an opcode
func CommandName(cmd byte) string {
	switch cmd {
	case CmdHelp:
		return "help"
	case CmdWrite:
		return "write"
	case CmdRead:
		return "read"
	case CmdErase:
		return "erase"
	case CmdReset:
		return "reset"
	case CmdJump:
		return "jump"
	case CmdVerify:
		return "verify"
	case CmdGetVersion:
		return "get-version"
	case CmdConnect:
		return "connect"
	default:
		return "unknown"
	}
}

// StatusName returns human-readable name for a status byte
func StatusName(status byte) string {
	switch status {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case Error:
		return "error"
	default:
		return "unknown status"
	}
}

// HasOperand reports whether the opcode carries a command payload with
// count and address fields.
func HasOperand(cmd byte) bool {
	switch cmd {
	case CmdWrite, CmdRead, CmdVerify:
		return true
	default:
		return false
	}
}
