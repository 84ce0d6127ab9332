// Package transfer implements the two transfer coordinators (download leg,
// upload leg): set membership, byte accounting, pause/resume/stop, and the
// streaming run loop driven through the command executor.
package transfer

import (
	"time"
)

// FileDescriptor identifies one media file. Identity is the filename: the
// same logical file may exist under a temporary name during the hand-off
// between legs, and de-duplication across legs keys on Name alone.
type FileDescriptor struct {
	Name      string
	Size      int64
	CreatedAt time.Time
	Valid     bool
}

// descriptorSet is an ordered collection of descriptors unique by name.
// Order matters: files transfer in insertion order, one at a time.
type descriptorSet struct {
	items []FileDescriptor
	index map[string]int
}

func newDescriptorSet() *descriptorSet {
	return &descriptorSet{index: make(map[string]int)}
}

func (s *descriptorSet) contains(name string) bool {
	_, ok := s.index[name]
	return ok
}

// add inserts a descriptor unless one with the same name is present.
// Returns true when the set grew.
func (s *descriptorSet) add(d FileDescriptor) bool {
	if s.contains(d.Name) {
		return false
	}
	s.index[d.Name] = len(s.items)
	s.items = append(s.items, d)
	return true
}

// remove deletes by name, preserving the order of the remainder.
func (s *descriptorSet) remove(name string) bool {
	i, ok := s.index[name]
	if !ok {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	delete(s.index, name)
	for j := i; j < len(s.items); j++ {
		s.index[s.items[j].Name] = j
	}
	return true
}

func (s *descriptorSet) first() (FileDescriptor, bool) {
	if len(s.items) == 0 {
		return FileDescriptor{}, false
	}
	return s.items[0], true
}

func (s *descriptorSet) len() int {
	return len(s.items)
}

func (s *descriptorSet) names() []string {
	out := make([]string, len(s.items))
	for i, d := range s.items {
		out[i] = d.Name
	}
	return out
}

func (s *descriptorSet) totalSize() int64 {
	var total int64
	for _, d := range s.items {
		total += d.Size
	}
	return total
}
