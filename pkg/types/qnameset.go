package types

import (
	"encoding/json"
	"sort"
)

// QNameSet is an unordered set of qualified names
type QNameSet map[QName]struct{}

// NewQNameSet builds a set from the given names
func NewQNameSet(names ...QName) QNameSet {
	s := make(QNameSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s QNameSet) Contains(q QName) bool {
	_, ok := s[q]
	return ok
}

func (s QNameSet) Add(q QName) {
	s[q] = struct{}{}
}

func (s QNameSet) Remove(q QName) {
	delete(s, q)
}

// Clone returns an independent copy
func (s QNameSet) Clone() QNameSet {
	out := make(QNameSet, len(s))
	for q := range s {
		out[q] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold the same names
func (s QNameSet) Equal(other QNameSet) bool {
	if len(s) != len(other) {
		return false
	}
	for q := range s {
		if !other.Contains(q) {
			return false
		}
	}
	return true
}

// Sorted returns the names in a stable order
func (s QNameSet) Sorted() []QName {
	out := make([]QName, 0, len(s))
	for q := range s {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

func (s QNameSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *QNameSet) UnmarshalJSON(data []byte) error {
	var names []QName
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewQNameSet(names...)
	return nil
}
