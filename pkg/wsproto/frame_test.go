package wsproto

import (
	"bufio"
	"bytes"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name       string
		input      []byte
		wantFin    bool
		wantOpcode Opcode
		wantMasked bool
		wantLen    int
		wantErr    bool
	}{
		{
			name:       "unmasked_text_hello",
			input:      []byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'},
			wantFin:    true,
			wantOpcode: OpcodeText,
			wantLen:    5,
		},
		{
			name:       "masked_text_hello",
			input:      []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58},
			wantFin:    true,
			wantOpcode: OpcodeText,
			wantMasked: true,
			wantLen:    5,
		},
		{
			name:       "first_fragment_no_fin",
			input:      []byte{0x01, 0x03, 'H', 'e', 'l'},
			wantOpcode: OpcodeText,
			wantLen:    3,
		},
		{
			name:       "256b_unmasked_binary",
			input:      append([]byte{0x82, 0x7e, 0x01, 0x00}, make([]byte, 256)...),
			wantFin:    true,
			wantOpcode: OpcodeBinary,
			wantLen:    256,
		},
		{
			name:    "reserved_opcode_fails",
			input:   []byte{0x83, 0x00},
			wantErr: true,
		},
		{
			name:    "rsv1_set_fails",
			input:   []byte{0xc1, 0x00},
			wantErr: true,
		},
		{
			name:    "fragmented_control_frame_fails",
			input:   []byte{0x09, 0x00},
			wantErr: true,
		},
		{
			name:    "oversize_control_payload_fails",
			input:   append([]byte{0x89, 0x7e, 0x00, 0x7e}, make([]byte, 126)...),
			wantErr: true,
		},
		{
			name:    "non_minimal_16bit_length_fails",
			input:   []byte{0x82, 0x7e, 0x00, 0x7d},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReader(bytes.NewReader(tt.input))
			got, err := DecodeFrame(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Fin != tt.wantFin || got.Opcode != tt.wantOpcode || got.Masked != tt.wantMasked {
				t.Errorf("DecodeFrame() = %+v", got)
			}
			if len(got.Payload) != tt.wantLen {
				t.Errorf("len(Payload) = %d, want %d", len(got.Payload), tt.wantLen)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 125, 126, 1000, 65536, 70000}
	for _, masked := range []bool{true, false} {
		for _, n := range sizes {
			payload := bytes.Repeat([]byte{'x'}, n)

			var buf bytes.Buffer
			w := bufio.NewWriter(&buf)
			if err := EncodeFrame(w, OpcodeBinary, payload, true, masked); err != nil {
				t.Fatalf("EncodeFrame() error = %v", err)
			}
			if err := w.Flush(); err != nil {
				t.Fatalf("Flush() error = %v", err)
			}

			r := bufio.NewReader(&buf)
			got, err := DecodeFrame(r)
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if got.Masked != masked {
				t.Errorf("Masked = %v, want %v", got.Masked, masked)
			}
			if !bytes.Equal(got.Payload, payload) {
				t.Errorf("round-trip mismatch for size %d masked=%v", n, masked)
			}
		}
	}
}

func TestEncodeFrameDoesNotMutateCallerPayload(t *testing.T) {
	payload := []byte("hello")
	orig := append([]byte(nil), payload...)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := EncodeFrame(w, OpcodeText, payload, true, true); err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	_ = w.Flush()

	if !bytes.Equal(payload, orig) {
		t.Errorf("EncodeFrame mutated caller payload: got %q, want %q", payload, orig)
	}
}

func TestOpcodeClassification(t *testing.T) {
	if !OpcodeClose.IsControl() || !OpcodePing.IsControl() || !OpcodePong.IsControl() {
		t.Error("control opcodes misclassified")
	}
	if !OpcodeText.IsData() || !OpcodeBinary.IsData() {
		t.Error("data opcodes misclassified")
	}
	for _, o := range []Opcode{0x3, 0x4, 0x5, 0x6, 0x7, 0xB, 0xC, 0xD, 0xE, 0xF} {
		if !o.IsReserved() {
			t.Errorf("opcode %#x should be reserved", o)
		}
	}
}
