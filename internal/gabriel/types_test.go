package gabriel

import "testing"

func TestReverseHash_RoundTrips(t *testing.T) {
	var h [32]byte
	for i := range h {
		h[i] = byte(i)
	}

	reversed := ReverseHash(h)
	if reversed == h {
		t.Fatal("ReverseHash returned its input unchanged")
	}
	if reversed[0] != h[31] || reversed[31] != h[0] {
		t.Fatalf("reversed = %x, want first/last byte swapped", reversed)
	}

	back := ReverseHash(reversed)
	if back != h {
		t.Fatalf("ReverseHash(ReverseHash(h)) = %x, want %x", back, h)
	}
}

func TestReverseHash_ZeroIsFixedPoint(t *testing.T) {
	var zero [32]byte
	if ReverseHash(zero) != zero {
		t.Fatal("ReverseHash(zero) != zero")
	}
}
