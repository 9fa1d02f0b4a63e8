package labels

import (
	"fmt"
	"testing"
)

func TestAddAndBit(t *testing.T) {
	idx := New()
	for _, name := range []string{"a", "b", "c"} {
		if _, err := idx.Add(name); err != nil {
			t.Fatalf("Add(%q): %v", name, err)
		}
	}
	idx.Freeze()

	b, err := idx.Bit("b")
	if err != nil {
		t.Fatalf("Bit(b): %v", err)
	}
	if b != 1<<1 {
		t.Errorf("Bit(b) = %d, want %d", b, 1<<1)
	}

	name, err := idx.Name(2)
	if err != nil {
		t.Fatalf("Name(2): %v", err)
	}
	if name != "c" {
		t.Errorf("Name(2) = %q, want %q", name, "c")
	}
}

func TestDuplicateName(t *testing.T) {
	idx := New()
	if _, err := idx.Add("x"); err != nil {
		t.Fatalf("Add(x): %v", err)
	}
	if _, err := idx.Add("x"); err == nil {
		t.Fatalf("Add(x) duplicate: expected error, got nil")
	}
}

func TestFrozenRejectsAdd(t *testing.T) {
	idx := New()
	idx.Freeze()
	if _, err := idx.Add("late"); err == nil {
		t.Fatalf("Add after Freeze: expected error, got nil")
	}
}

func TestAllSamplesAndSingleton(t *testing.T) {
	idx := New()
	for _, name := range []string{"a", "b", "c"} {
		idx.Add(name)
	}
	idx.Freeze()

	if got, want := idx.AllSamples(), Mask(0b111); got != want {
		t.Errorf("AllSamples() = %b, want %b", got, want)
	}
	if !Singleton(1 << 2) {
		t.Errorf("Singleton(1<<2) = false, want true")
	}
	if Singleton(0b011) {
		t.Errorf("Singleton(0b011) = true, want false")
	}
	if Singleton(0) {
		t.Errorf("Singleton(0) = true, want false")
	}
}

func TestWidthOverflow(t *testing.T) {
	idx := New()
	for i := 0; i < Width; i++ {
		if _, err := idx.Add(fmt.Sprintf("s%02d", i)); err != nil {
			t.Fatalf("Add(s%02d): %v", i, err)
		}
	}
	if _, err := idx.Add("overflow"); err == nil {
		t.Fatalf("Add beyond Width: expected error, got nil")
	}
}
