package docnum

import (
	"strings"
	"testing"
)

func TestNewFormat(t *testing.T) {
	number := New(PrefixSale)
	parts := strings.Split(number, "-")
	if len(parts) != 3 {
		t.Fatalf("expected 3 segments, got %q", number)
	}
	if parts[0] != "SAL" {
		t.Fatalf("expected SAL prefix, got %s", parts[0])
	}
	if len(parts[1]) != 8 {
		t.Fatalf("expected YYYYMMDD date segment, got %s", parts[1])
	}
	if len(parts[2]) != 6 {
		t.Fatalf("expected 6-char suffix, got %s", parts[2])
	}
}

func TestNewIsUnlikelyToCollide(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		n := New(PrefixInvoice)
		if seen[n] {
			t.Fatalf("generated duplicate number %s after %d draws", n, i)
		}
		seen[n] = true
	}
}
