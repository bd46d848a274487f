package protocol

import "testing"

func TestSeqNewer16Wraparound(t *testing.T) {
	if !SeqNewer16(0, 65535) {
		t.Fatal("0 should be newer than 65535 across the wrap")
	}
	if SeqNewer16(65535, 0) {
		t.Fatal("65535 should not be newer than 0 across the wrap")
	}
}

func TestSeqNewer16Antisymmetric(t *testing.T) {
	pairs := [][2]uint16{{10, 5}, {5, 10}, {0, 1}, {65535, 1}, {100, 100}}
	for _, p := range pairs {
		a, b := p[0], p[1]
		if a == b {
			if SeqNewer16(a, b) || SeqNewer16(b, a) {
				t.Fatalf("equal sequences must not be newer than each other: %d, %d", a, b)
			}
			continue
		}
		if SeqNewer16(a, b) == SeqNewer16(b, a) {
			t.Fatalf("newer() must be antisymmetric for %d, %d", a, b)
		}
	}
}

func TestSeqNewer32(t *testing.T) {
	if !SeqNewer32(1, 0) {
		t.Fatal("1 should be newer than 0")
	}
	if SeqNewer32(0, 1) {
		t.Fatal("0 should not be newer than 1")
	}
}
