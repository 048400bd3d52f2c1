package topology

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

var (
	ErrOutOfRange = errors.New("peer distance out of range")
	ErrNotMember  = errors.New("identity is not part of the topology")
)

// List is the client-side ordered view of the mesh chain, self included.
type List []string

// IndexOf returns the position of id, or -1.
func (l List) IndexOf(id string) int {
	return slices.Index(l, id)
}

func (l List) Contains(id string) bool {
	return l.IndexOf(id) >= 0
}

// PeerAt returns the identity distance steps away from self.
func (l List) PeerAt(self string, distance int) (string, error) {
	idx := l.IndexOf(self)
	if idx < 0 {
		return "", fmt.Errorf("%w: %s", ErrNotMember, self)
	}
	target := idx + distance
	if target < 0 || target >= len(l) {
		return "", fmt.Errorf("%w: %d from %s in list of %d", ErrOutOfRange, distance, self, len(l))
	}
	return l[target], nil
}

// Peers returns every identity other than self.
func (l List) Peers(self string) []string {
	out := make([]string, 0, len(l))
	for _, id := range l {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

// Preceding returns the identities ordered before self.
func (l List) Preceding(self string) []string {
	idx := l.IndexOf(self)
	if idx <= 0 {
		return nil
	}
	return slices.Clone(l[:idx])
}

// ChangedBefore reports whether self moved or any identity ahead of it changed
// between prev and next.
func ChangedBefore(prev, next List, self string) bool {
	prevIdx, nextIdx := prev.IndexOf(self), next.IndexOf(self)
	if prevIdx != nextIdx {
		return true
	}
	for i := 0; i < nextIdx; i++ {
		if prev[i] != next[i] {
			return true
		}
	}
	return false
}

// Add inserts id keeping the list sorted. Duplicates are ignored.
func (l List) Add(id string) List {
	if l.Contains(id) {
		return l
	}
	out := append(slices.Clone(l), id)
	sort.Strings(out)
	return out
}

func (l List) Remove(id string) List {
	return slices.DeleteFunc(slices.Clone(l), func(s string) bool { return s == id })
}

func (l List) RemoveAll(ids []string) List {
	return slices.DeleteFunc(slices.Clone(l), func(s string) bool { return slices.Contains(ids, s) })
}

func (l List) Equal(other List) bool {
	return slices.Equal(l, other)
}
