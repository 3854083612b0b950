// Package filter implements the content blocklist applied to heard
// utterances, backend responses, and friend-request display names.
package filter

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Set is a collection of lowercase blocklist phrases. Its contents can
// be swapped wholesale with [Set.Replace] while other goroutines check
// text against it. A nil *Set filters nothing.
type Set struct {
	mu      sync.RWMutex
	phrases []string
}

// New builds a Set from the given phrases. Phrases are trimmed and
// lowercased; blanks and duplicates are dropped.
func New(phrases ...string) *Set {
	return &Set{phrases: normalize(phrases)}
}

func normalize(phrases []string) []string {
	seen := make(map[string]struct{}, len(phrases))
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Load reads a blocklist file with one phrase per line. Blank lines are
// skipped. A read failure is returned to the caller; at startup this is
// fatal.
func Load(path string) (*Set, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	return New(lines...), nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blocklist: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist %s: %w", path, err)
	}
	return lines, nil
}

// IsFiltered reports whether any blocklist phrase occurs in text,
// ignoring case.
func (s *Set) IsFiltered(text string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.phrases) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range s.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Len returns the number of distinct phrases.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.phrases)
}

// Replace swaps in the phrases of other.
func (s *Set) Replace(other *Set) {
	var phrases []string
	if other != nil {
		other.mu.RLock()
		phrases = other.phrases
		other.mu.RUnlock()
	}
	s.mu.Lock()
	s.phrases = phrases
	s.mu.Unlock()
}
