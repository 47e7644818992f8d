package bitfield

import "testing"

type testFlags struct {
	Present  bool   `bitfield:",1"`
	Writable bool   `bitfield:",1"`
	User     bool   `bitfield:",1"`
	Reserved uint32 `bitfield:",29"`
}

func TestPackTestFlags(t *testing.T) {
	tests := []struct {
		name     string
		flags    testFlags
		expected uint64
	}{
		{name: "all clear", flags: testFlags{}, expected: 0},
		{name: "present only", flags: testFlags{Present: true}, expected: 0x1},
		{name: "present+writable", flags: testFlags{Present: true, Writable: true}, expected: 0x3},
		{name: "user only", flags: testFlags{User: true}, expected: 0x4},
		{
			name:     "reserved bits",
			flags:    testFlags{Present: true, Reserved: 0x7},
			expected: 0x1 | (0x7 << 3),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Pack(&tt.flags, &Config{NumBits: 32})
			if err != nil {
				t.Fatalf("Pack returned error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Pack() = %#x, want %#x", got, tt.expected)
			}
		})
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	in := testFlags{Present: true, User: true, Reserved: 12345}
	packed, err := Pack(&in, &Config{NumBits: 32})
	if err != nil {
		t.Fatalf("Pack returned error: %v", err)
	}

	var out testFlags
	if err := Unpack(packed, &out, &Config{NumBits: 32}); err != nil {
		t.Fatalf("Unpack returned error: %v", err)
	}

	if out != in {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestPackRejectsOversizedField(t *testing.T) {
	in := testFlags{Reserved: 1 << 30}
	if _, err := Pack(&in, &Config{NumBits: 32}); err == nil {
		t.Fatal("expected error for oversized field, got nil")
	}
}

func TestPackRejectsNonStruct(t *testing.T) {
	x := 42
	if _, err := Pack(x, nil); err == nil {
		t.Fatal("expected error for non-struct argument, got nil")
	}
}
