package directory

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ashureev/iwp-relay/internal/domain"
	"github.com/ashureev/iwp-relay/internal/relayerr"
)

// RangeStore persists one domain.IDRange as a two-line text file
// ("from\nto", base-10) and serializes every read-modify-write pair behind
// a mutex, rewriting the whole file on each mutation so a carve is
// synchronous and atomic with respect to a crash between steps.
type RangeStore struct {
	path string
	mu   sync.Mutex
	cur  domain.IDRange
}

// OpenRangeStore loads path, creating a zero range file if it does not yet
// exist. A corrupt file is a fatal RangeFileError.
func OpenRangeStore(path string) (*RangeStore, error) {
	s := &RangeStore{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.persist(domain.IDRange{}); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RangeStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return relayerr.Wrap(relayerr.ErrRangeFile, "read %s: %v", s.path, err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		return relayerr.Wrap(relayerr.ErrRangeFile, "%s: expected two lines, got %d", s.path, len(lines))
	}
	from, err := strconv.ParseUint(strings.TrimSpace(lines[0]), 10, 64)
	if err != nil {
		return relayerr.Wrap(relayerr.ErrRangeFile, "%s: bad from: %v", s.path, err)
	}
	to, err := strconv.ParseUint(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return relayerr.Wrap(relayerr.ErrRangeFile, "%s: bad to: %v", s.path, err)
	}
	rng := domain.IDRange{From: from, To: to}
	if err := rng.Validate(); err != nil {
		return relayerr.Wrap(relayerr.ErrRangeFile, "%s: %v", s.path, err)
	}
	s.cur = rng
	return nil
}

// persist rewrites the whole file via a temp-file-then-rename, the
// standard Go idiom for an atomic whole-file replace.
func (s *RangeStore) persist(rng domain.IDRange) error {
	contents := fmt.Sprintf("%d\n%d\n", rng.From, rng.To)
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return relayerr.Wrap(relayerr.ErrRangeFile, "mkdir %s: %v", filepath.Dir(s.path), err)
	}
	if err := os.WriteFile(tmp, []byte(contents), 0o644); err != nil {
		return relayerr.Wrap(relayerr.ErrRangeFile, "write %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return relayerr.Wrap(relayerr.ErrRangeFile, "rename %s: %v", tmp, err)
	}
	s.cur = rng
	return nil
}

// Current returns the in-memory range without touching disk.
func (s *RangeStore) Current() domain.IDRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Carve removes up to n IDs from the front of the pool, persists the
// advanced "from" before returning, and hands back the carved sub-range.
// If the pool holds fewer than n IDs, it falls back to carving fraction
// of whatever remains instead of the whole pool (fraction 0 disables the
// fallback). An empty carved range means nothing was carved, whether
// because the pool is exhausted or the fallback share rounded to zero.
func (s *RangeStore) Carve(n uint64, fraction float64) (domain.IDRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	carved, remainder := s.cur.Carve(n, fraction)
	if carved.Empty() {
		return domain.IDRange{}, nil
	}
	if err := s.persist(remainder); err != nil {
		return domain.IDRange{}, err
	}
	return carved, nil
}

// Replace overwrites the stored range outright; used when a non-master
// instance first receives a range from the master.
func (s *RangeStore) Replace(rng domain.IDRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist(rng)
}

// NeedsRange reports whether the store holds the "no range owned" zero
// value and should request a fresh allocation from the master.
func (s *RangeStore) NeedsRange() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.Empty()
}
