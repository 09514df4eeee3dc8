package broker

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		fields []string
	}{
		{"single", []string{"61"}},
		{"request", []string{"62", "1", "9001", "All", "NetLiquidation,TotalCashValue"}},
		{"empty fields", []string{"1", "", "7", ""}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			buf := bytes.NewReader(encodeFrame(tt.fields...))
			got, err := readFrame(buf)
			if err != nil {
				t.Fatalf("readFrame: %v", err)
			}
			if !reflect.DeepEqual(got, tt.fields) {
				t.Errorf("fields = %q, want %q", got, tt.fields)
			}
		})
	}
}

func TestEncodeFrameLayout(t *testing.T) {
	t.Parallel()

	frame := encodeFrame("9", "1", "42")
	payload := []byte("9\x001\x0042\x00")

	if got := binary.BigEndian.Uint32(frame[:4]); got != uint32(len(payload)) {
		t.Errorf("length prefix = %d, want %d", got, len(payload))
	}
	if !bytes.Equal(frame[4:], payload) {
		t.Errorf("payload = %q, want %q", frame[4:], payload)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	t.Parallel()

	frame := encodeFrame("61", "1")
	if _, err := readFrame(bytes.NewReader(frame[:len(frame)-2])); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestReadFrameOversized(t *testing.T) {
	t.Parallel()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameSize+1)
	if _, err := readFrame(bytes.NewReader(header[:])); err == nil {
		t.Error("expected error for oversized frame")
	}
}

func TestFieldAccessors(t *testing.T) {
	t.Parallel()

	fields := []string{"3", "1", "1001", "Filled", "5", "0", "150.25"}

	if got := fieldAt(fields, 3); got != "Filled" {
		t.Errorf("fieldAt(3) = %q, want %q", got, "Filled")
	}
	if got := fieldAt(fields, 99); got != "" {
		t.Errorf("fieldAt(99) = %q, want empty", got)
	}
	if got := fieldInt(fields, 0); got != 3 {
		t.Errorf("fieldInt(0) = %d, want 3", got)
	}
	if got := fieldInt64(fields, 2); got != 1001 {
		t.Errorf("fieldInt64(2) = %d, want 1001", got)
	}
	if got := fieldFloat(fields, 6); got != 150.25 {
		t.Errorf("fieldFloat(6) = %v, want 150.25", got)
	}
	if got := fieldInt(fields, 3); got != 0 {
		t.Errorf("fieldInt on non-numeric = %d, want 0", got)
	}
}
