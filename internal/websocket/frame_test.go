package websocket

import (
	"bytes"
	"errors"
	"testing"
)

func TestOpcode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		opcode   Opcode
		wantVal  bool
		wantCtrl bool
	}{
		{"Continuation", OpcodeContinuation, true, false},
		{"Text", OpcodeText, true, false},
		{"Binary", OpcodeBinary, true, false},
		{"Close", OpcodeClose, true, true},
		{"Ping", OpcodePing, true, true},
		{"Pong", OpcodePong, true, true},
		{"Reserved", Opcode(0x3), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opcode.IsValid(); got != tt.wantVal {
				t.Errorf("IsValid() = %v, want %v", got, tt.wantVal)
			}
			if got := tt.opcode.IsControl(); got != tt.wantCtrl {
				t.Errorf("IsControl() = %v, want %v", got, tt.wantCtrl)
			}
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opcode  Opcode
		size    int
		fin     bool
		headLen int
	}{
		{"empty binary", OpcodeBinary, 0, true, 2},
		{"short binary", OpcodeBinary, 125, true, 2},
		{"extended 126", OpcodeBinary, 126, true, 4},
		{"max payload", OpcodeBinary, MaxFramePayloadSize, true, 4},
		{"fragment start", OpcodeBinary, 10, false, 2},
		{"continuation", OpcodeContinuation, 10, true, 2},
		{"ping", OpcodePing, 4, true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := make([]byte, tt.size)
			for i := range payload {
				payload[i] = byte(i)
			}

			// Server side: never masked.
			wire, err := AppendFrame(nil, &Frame{Fin: tt.fin, Opcode: tt.opcode, Payload: payload})
			if err != nil {
				t.Fatalf("AppendFrame() error = %v", err)
			}
			if len(wire) != tt.headLen+tt.size {
				t.Errorf("frame length = %d, want %d", len(wire), tt.headLen+tt.size)
			}
			f, err := ReadFrame(bytes.NewReader(wire), false)
			if err != nil {
				t.Fatalf("ReadFrame() error = %v", err)
			}
			if f.Fin != tt.fin || f.Opcode != tt.opcode || !bytes.Equal(f.Payload, payload) {
				t.Errorf("ReadFrame() = fin %v op %v len %d", f.Fin, f.Opcode, len(f.Payload))
			}

			// Client side: masked, payload left untouched by the writer.
			masked, err := AppendFrame(nil, &Frame{Fin: tt.fin, Opcode: tt.opcode, Masked: true, Mask: [4]byte{0xA1, 0xB2, 0xC3, 0xD4}, Payload: payload})
			if err != nil {
				t.Fatalf("AppendFrame(masked) error = %v", err)
			}
			if len(masked) != tt.headLen+4+tt.size {
				t.Errorf("masked frame length = %d, want %d", len(masked), tt.headLen+4+tt.size)
			}
			f, err = ReadFrame(bytes.NewReader(masked), true)
			if err != nil {
				t.Fatalf("ReadFrame(masked) error = %v", err)
			}
			if !bytes.Equal(f.Payload, payload) {
				t.Error("unmasked payload differs from original")
			}
		})
	}
}

func TestReadFrameRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		wire        []byte
		requireMask bool
		want        error
	}{
		{"unmasked client frame", []byte{0x82, 0x01, 0xFF}, true, ErrMaskRequired},
		{"masked server frame", []byte{0x82, 0x81, 1, 2, 3, 4, 0xFF}, false, ErrUnexpectedMask},
		{"64-bit length", []byte{0x82, 0xFF, 0, 0, 0, 0, 0, 1, 0, 0}, true, ErrFrameTooLarge},
		{"reserved bits", []byte{0xC2, 0x80, 1, 2, 3, 4}, true, ErrReservedBitsSet},
		{"reserved opcode", []byte{0x83, 0x80, 1, 2, 3, 4}, true, ErrInvalidOpcode},
		{"fragmented ping", []byte{0x09, 0x80, 1, 2, 3, 4}, true, ErrFragmentedControl},
		{"long ping", append([]byte{0x89, 0xFE, 0x00, 0x7E, 1, 2, 3, 4}, make([]byte, 126)...), true, ErrControlFrameTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.wire), tt.requireMask)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ReadFrame() error = %v, want %v", err, tt.want)
			}
			var frameErr *FrameError
			if !errors.As(err, &frameErr) {
				t.Errorf("error %T is not a *FrameError", err)
			}
		})
	}
}

func TestAppendFrameTooLarge(t *testing.T) {
	t.Parallel()

	_, err := EncodeFrame(OpcodeBinary, make([]byte, MaxFramePayloadSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("EncodeFrame() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestCloseFormatAndParse(t *testing.T) {
	t.Parallel()

	payload := FormatClose(CloseRoomClosed, "bye")
	if !bytes.Equal(payload, []byte{0x0F, 0xA2, 'b', 'y', 'e'}) {
		t.Errorf("FormatClose() = % x", payload)
	}
	code, reason, err := ParseClose(payload)
	if err != nil || code != CloseRoomClosed || reason != "bye" {
		t.Errorf("ParseClose() = %v %q %v", code, reason, err)
	}

	if got := FormatClose(CloseAbnormal, "x"); got != nil {
		t.Errorf("FormatClose(1006) = % x, want empty", got)
	}
	if code, _, err := ParseClose(nil); err != nil || code != CloseEmpty {
		t.Errorf("ParseClose(empty) = %v, %v", code, err)
	}
	if _, _, err := ParseClose([]byte{0x03}); err == nil {
		t.Error("ParseClose(1 byte) succeeded")
	}
	if code, _, err := ParseClose([]byte{0x03, 0xE8, 0xFF}); err == nil || code != CloseInvalidPayloadData {
		t.Errorf("ParseClose(bad utf8) = %v, %v", code, err)
	}
}
