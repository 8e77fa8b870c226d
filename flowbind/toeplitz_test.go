package flowbind

import "testing"

func fullKey() []byte {
	// A 40-byte key, the common RSS key length; values are arbitrary but
	// fixed so hash results are reproducible across runs.
	k := make([]byte, 40)
	for i := range k {
		k[i] = byte(i*7 + 3)
	}
	return k
}

func TestToeplitzDeterministic(t *testing.T) {
	key := fullKey()
	h1 := Toeplitz(key, 0x0A000001, 0xC0A80101, 443, 51234)
	h2 := Toeplitz(key, 0x0A000001, 0xC0A80101, 443, 51234)
	if h1 != h2 {
		t.Fatalf("toeplitz hash not deterministic: %#x vs %#x", h1, h2)
	}
}

func TestToeplitzSensitiveToInputs(t *testing.T) {
	key := fullKey()
	base := Toeplitz(key, 0x0A000001, 0xC0A80101, 443, 51234)
	changedPort := Toeplitz(key, 0x0A000001, 0xC0A80101, 443, 51235)
	if base == changedPort {
		t.Fatalf("expected differing dst port to (almost certainly) change the hash")
	}
}

func TestToeplitzDoesNotPanicOnShortOrMissingKey(t *testing.T) {
	if got := Toeplitz(nil, 0x0A000001, 0xC0A80101, 443, 51234); got != 0 {
		t.Fatalf("expected 0 for a nil key, got %#x", got)
	}
	if got := Toeplitz(make([]byte, 8), 0x0A000001, 0xC0A80101, 443, 51234); got != 0 {
		t.Fatalf("expected 0 for a too-short key, got %#x", got)
	}
}
