package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestCommand_Payload_NoOperand(t *testing.T) {
	for _, op := range []byte{CmdErase, CmdReset, CmdJump, CmdGetVersion, CmdConnect, CmdHelp} {
		payload := NewCommand(op).Payload()
		if len(payload) != 2 {
			t.Fatalf("Payload() length = %d, want 2", len(payload))
		}
		if payload[0] != op {
			t.Errorf("Payload()[0] = 0x%02X, want 0x%02X", payload[0], op)
		}
		if payload[1] != CRC8([]byte{op}) {
			t.Errorf("Payload()[1] = 0x%02X, want CRC8 0x%02X", payload[1], CRC8([]byte{op}))
		}
	}
}

func TestCommand_Encode_WriteFormat(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	frame := NewWrite(0x08008000, data).Encode()

	// Format: sync(1) + length(1) + opcode(1) + count(1) + pad(2) + address(4) + data + crc(1)
	expectedLen := 2 + CommandHeaderSize + len(data) + 1
	if len(frame) != expectedLen {
		t.Fatalf("Encode() length = %d, want %d", len(frame), expectedLen)
	}

	if frame[0] != SyncChar {
		t.Errorf("Encode()[0] sync = 0x%02X, want 0x%02X", frame[0], SyncChar)
	}
	if int(frame[1]) != expectedLen-2 {
		t.Errorf("Encode()[1] length = %d, want %d", frame[1], expectedLen-2)
	}
	if frame[2] != CmdWrite {
		t.Errorf("Encode()[2] opcode = 0x%02X, want 0x%02X", frame[2], CmdWrite)
	}
	if frame[3] != byte(len(data)) {
		t.Errorf("Encode()[3] count = %d, want %d", frame[3], len(data))
	}
	if frame[4] != 0 || frame[5] != 0 {
		t.Errorf("Encode() padding = %v, want [0 0]", frame[4:6])
	}

	// Address is big-endian on the wire
	if addr := binary.BigEndian.Uint32(frame[6:10]); addr != 0x08008000 {
		t.Errorf("Encode() address = 0x%08X, want 0x08008000", addr)
	}
	if !bytes.Equal(frame[10:14], data) {
		t.Errorf("Encode() data = %v, want %v", frame[10:14], data)
	}

	payload := frame[2:]
	if crc := payload[len(payload)-1]; crc != CRC8(payload[:len(payload)-1]) {
		t.Errorf("Encode() crc = 0x%02X, want 0x%02X", crc, CRC8(payload[:len(payload)-1]))
	}
}

func TestCommand_Encode_ReadFormat(t *testing.T) {
	frame := NewRead(0x08004000, 240).Encode()

	if len(frame) != 11 {
		t.Fatalf("Encode() length = %d, want 11", len(frame))
	}
	if frame[1] != 9 {
		t.Errorf("Encode()[1] length = %d, want 9", frame[1])
	}
	if frame[3] != 240 {
		t.Errorf("Encode()[3] count = %d, want 240", frame[3])
	}
}

func TestParseCommand_RoundTrip(t *testing.T) {
	commands := []*Command{
		NewWrite(0x08008000, sampleBuffer(240)),
		NewVerify(0x08010000, sampleBuffer(12)),
		NewRead(0x0800FF00, 128),
		NewCommand(CmdErase),
		NewCommand(CmdGetVersion),
	}

	for _, want := range commands {
		var got Command
		if err := ParseCommand(want.Payload(), &got); err != nil {
			t.Fatalf("ParseCommand(%s) error = %v", want, err)
		}
		if got.Opcode != want.Opcode || got.Count != want.Count || got.Address != want.Address {
			t.Errorf("ParseCommand() = %s, want %s", &got, want)
		}
		if !bytes.Equal(got.Data, want.Data) {
			t.Errorf("ParseCommand(%s) data mismatch", want)
		}
	}
}

func TestParseCommand_DataAliasesPayload(t *testing.T) {
	payload := NewWrite(0x08008000, []byte{1, 2, 3, 4}).Payload()

	var cmd Command
	if err := ParseCommand(payload, &cmd); err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}

	payload[CommandHeaderSize] = 0x55
	if cmd.Data[0] != 0x55 {
		t.Error("ParseCommand() copied data, want a view into the payload")
	}
}

func TestParseCommand_Errors(t *testing.T) {
	write := NewWrite(0x08008000, []byte{1, 2, 3, 4}).Payload()
	badCRC := append([]byte(nil), write...)
	badCRC[len(badCRC)-1] ^= 0xFF

	// count claims 8 bytes but only 4 follow
	short := append([]byte(nil), write...)
	short[1] = 8
	short[len(short)-1] = CRC8(short[:len(short)-1])

	header := []byte{CmdRead, 4, 0, 0}
	header = append(header, CRC8(header))

	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"empty", nil, ErrShortPayload},
		{"single byte", []byte{CmdErase}, ErrShortPayload},
		{"bad checksum", badCRC, ErrChecksum},
		{"count mismatch", short, ErrLengthMismatch},
		{"truncated header", header, ErrShortPayload},
	}

	for _, tc := range tests {
		var cmd Command
		err := ParseCommand(tc.payload, &cmd)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: ParseCommand() error = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestValidPayload(t *testing.T) {
	payload := NewCommand(CmdJump).Payload()
	if !ValidPayload(payload) {
		t.Error("ValidPayload() = false for a fresh payload")
	}
	payload[0] = CmdReset
	if ValidPayload(payload) {
		t.Error("ValidPayload() = true after corrupting the opcode")
	}
	if ValidPayload([]byte{0x00}) {
		t.Error("ValidPayload() = true for a one-byte payload")
	}
}

func TestEncodeBlock_CheckBlock(t *testing.T) {
	data := sampleBuffer(240)
	block := EncodeBlock(data)

	if len(block) != len(data)+1 {
		t.Fatalf("EncodeBlock() length = %d, want %d", len(block), len(data)+1)
	}

	got, err := CheckBlock(block)
	if err != nil {
		t.Fatalf("CheckBlock() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("CheckBlock() returned different data")
	}

	block[10] ^= 0x01
	if _, err := CheckBlock(block); !errors.Is(err, ErrChecksum) {
		t.Errorf("CheckBlock() corrupted error = %v, want ErrChecksum", err)
	}

	if _, err := CheckBlock(nil); !errors.Is(err, ErrShortPayload) {
		t.Errorf("CheckBlock(nil) error = %v, want ErrShortPayload", err)
	}
}

func TestParseVersion(t *testing.T) {
	v := Version{Major: 0, Minor: 1, Build: 7}
	got, err := ParseVersion(EncodeBlock(v.Bytes()))
	if err != nil {
		t.Fatalf("ParseVersion() error = %v", err)
	}
	if got != v {
		t.Errorf("ParseVersion() = %v, want %v", got, v)
	}
	if got.String() != "0.1.7" {
		t.Errorf("String() = %q, want %q", got.String(), "0.1.7")
	}

	if _, err := ParseVersion(EncodeBlock([]byte{1, 2})); err == nil {
		t.Error("ParseVersion() with two bytes expected error")
	}
}

func TestVersion_AtLeast(t *testing.T) {
	v := Version{Major: 0, Minor: 1, Build: 7}

	tests := []struct {
		min      string
		expected bool
	}{
		{"", true},
		{"0.1.4", true},
		{"0.1.7", true},
		{"0.1.8", false},
		{"1.0.0", false},
		{"v0.1.0", false},
	}

	for _, tc := range tests {
		if got := v.AtLeast(tc.min); got != tc.expected {
			t.Errorf("AtLeast(%q) = %v, want %v", tc.min, got, tc.expected)
		}
	}
}
