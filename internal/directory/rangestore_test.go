package directory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/iwp-relay/internal/domain"
)

func TestOpenRangeStoreCreatesZeroFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "range.txt")

	s, err := OpenRangeStore(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Current().Empty() {
		t.Errorf("expected a fresh store to start at (0,0), got %+v", s.Current())
	}
	if !s.NeedsRange() {
		t.Error("a zero range must report NeedsRange")
	}
}

func TestRangeStoreCarvePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "range.txt")
	s, err := OpenRangeStore(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Replace(domain.IDRange{From: 1000, To: 1999}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	carved, err := s.Carve(100, domain.DefaultCarveFraction)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if carved.From != 1000 || carved.To != 1099 {
		t.Errorf("expected carved [1000,1099], got [%d,%d]", carved.From, carved.To)
	}

	// Reopen from disk and confirm the advance survived.
	reopened, err := OpenRangeStore(path)
	if err != nil {
		t.Fatalf("unexpected error reopening: %v", err)
	}
	if reopened.Current().From != 1100 || reopened.Current().To != 1999 {
		t.Errorf("expected persisted [1100,1999], got %+v", reopened.Current())
	}
}

func TestRangeStoreCarveExhaustion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "range.txt")
	s, _ := OpenRangeStore(path)
	if err := s.Replace(domain.IDRange{From: 1, To: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	carved, err := s.Carve(1, domain.DefaultCarveFraction)
	if err != nil || carved.Empty() {
		t.Fatalf("expected the single remaining id to carve cleanly, got %+v, %v", carved, err)
	}

	carved, err = s.Carve(1, domain.DefaultCarveFraction)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !carved.Empty() {
		t.Errorf("expected an exhausted pool to carve nothing, got %+v", carved)
	}
	if !s.NeedsRange() {
		t.Error("an exhausted pool must report NeedsRange again")
	}
}

// TestRangeStoreCarveOverRequestFallsBackToFraction covers a request
// larger than the pool: the store must hand out only the configured
// fraction of what remains, not the entire remainder, and persist the
// smaller advance.
func TestRangeStoreCarveOverRequestFallsBackToFraction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "range.txt")
	s, err := OpenRangeStore(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Replace(domain.IDRange{From: 1, To: 1000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	carved, err := s.Carve(5000, domain.DefaultCarveFraction)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if carved.From != 1 || carved.To != 100 {
		t.Errorf("expected carved [1,100] (10%% of 1000), got [%d,%d]", carved.From, carved.To)
	}
	if s.Current().From != 101 || s.Current().To != 1000 {
		t.Errorf("expected the persisted remainder [101,1000], got %+v", s.Current())
	}
}

// TestRangeStoreCarveOverRequestWithFractionDisabled covers an exact-
// match-or-nothing call that disables the fractional fallback: an
// over-request against a smaller pool carves nothing and leaves the
// pool untouched rather than handing out a partial share.
func TestRangeStoreCarveOverRequestWithFractionDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "range.txt")
	s, err := OpenRangeStore(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Replace(domain.IDRange{From: 1, To: 1000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	carved, err := s.Carve(5000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !carved.Empty() {
		t.Errorf("expected no ids carved with fraction disabled, got %+v", carved)
	}
	if s.Current().From != 1 || s.Current().To != 1000 {
		t.Errorf("expected the pool untouched at [1,1000], got %+v", s.Current())
	}
}

func TestOpenRangeStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "range.txt")
	if err := os.WriteFile(path, []byte("not-a-number\n5\n"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := OpenRangeStore(path); err == nil {
		t.Error("expected a corrupt range file to be a fatal RangeFileError")
	}
}
