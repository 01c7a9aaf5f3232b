package dtype

import "testing"

func TestBFloat16ExactValues(t *testing.T) {
	// Values whose mantissa fits in 7 bits survive the conversion.
	for _, value := range []float32{0, 1, -1, 0.5, 6.25, -6.25, 584, 1.5234375} {
		if got := BFloat16fromFloat32(value).Float32(); got != value {
			t.Errorf("BFloat16fromFloat32(%g).Float32() = %g, want it unchanged", value, got)
		}
	}
}

func TestBFloat16Truncation(t *testing.T) {
	tests := []struct {
		input float32
		want  float32
	}{
		{1.53, 1.5234375},
		{6.53, 6.5},
		{11.34, 11.3125},
		{586.25, 584},
	}
	for _, tt := range tests {
		if got := BFloat16fromFloat32(tt.input).Float32(); got != tt.want {
			t.Errorf("BFloat16fromFloat32(%g).Float32() = %g, want %g", tt.input, got, tt.want)
		}
	}
}

var bfloat16ByteVectors = []struct {
	little []byte
	bits   uint16
	f32    float32
	str    string
}{
	{[]byte{0xA5, 0x35}, 0x35A5, 0.0000012293458, "0.0000012293458"},
	{[]byte{0xF4, 0xB5}, 0xB5F4, -0.00000181794167, "-0.0000018179417"},
	{[]byte{0x92, 0xB6}, 0xB692, -0.000004351139, "-0.000004351139"},
}

func TestBFloat16ByteOrder(t *testing.T) {
	for _, tt := range bfloat16ByteVectors {
		fromLittle := ReadBFloat16LittleEndian(tt.little)
		if fromLittle.Bits() != tt.bits {
			t.Errorf("ReadBFloat16LittleEndian(% X).Bits() = 0x%04X, want 0x%04X", tt.little, fromLittle.Bits(), tt.bits)
		}
		if got := fromLittle.Float32(); got != tt.f32 {
			t.Errorf("ReadBFloat16LittleEndian(% X).Float32() = %g, want %g", tt.little, got, tt.f32)
		}

		big := []byte{tt.little[1], tt.little[0]}
		if fromBig := ReadBFloat16BigEndian(big); fromBig.Bits() != tt.bits {
			t.Errorf("ReadBFloat16BigEndian(% X).Bits() = 0x%04X, want 0x%04X", big, fromBig.Bits(), tt.bits)
		}

		buf := make([]byte, 2)
		WriteBFloat16LittleEndian(buf, fromLittle)
		if buf[0] != tt.little[0] || buf[1] != tt.little[1] {
			t.Errorf("WriteBFloat16LittleEndian round-trip wrote % X, want % X", buf, tt.little)
		}
		WriteBFloat16BigEndian(buf, fromLittle)
		if buf[0] != tt.little[1] || buf[1] != tt.little[0] {
			t.Errorf("WriteBFloat16BigEndian round-trip wrote % X, want % X", buf, big)
		}
	}
}

func TestBFloat16String(t *testing.T) {
	for _, tt := range bfloat16ByteVectors {
		if got := ReadBFloat16LittleEndian(tt.little).String(); got != tt.str {
			t.Errorf("String() = %q, want %q", got, tt.str)
		}
	}
}
