package schemas

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// ComputeDigest fingerprints a DOM state: the ordered transitions that produced it plus
// the structural skeleton of the document. Two states collide iff both match.
func ComputeDigest(transitions []*Transition, skeleton string) string {
	h := sha256.New()
	for _, t := range transitions {
		h.Write([]byte(t.Fingerprint()))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte{0})
	h.Write([]byte(skeleton))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// SkipStates is the set of digests already processed by a browser session.
// It is not safe for concurrent use.
type SkipStates struct {
	set map[string]struct{}
}

func NewSkipStates(digests ...string) *SkipStates {
	s := &SkipStates{set: make(map[string]struct{}, len(digests))}
	for _, d := range digests {
		s.set[d] = struct{}{}
	}
	return s
}

// Add records digest and reports whether it was new.
func (s *SkipStates) Add(digest string) bool {
	if s.set == nil {
		s.set = make(map[string]struct{})
	}
	if _, ok := s.set[digest]; ok {
		return false
	}
	s.set[digest] = struct{}{}
	return true
}

func (s *SkipStates) Contains(digest string) bool {
	if s == nil {
		return false
	}
	_, ok := s.set[digest]
	return ok
}

// Merge adds every digest of other.
func (s *SkipStates) Merge(other *SkipStates) {
	if other == nil {
		return
	}
	for d := range other.set {
		s.Add(d)
	}
}

func (s *SkipStates) Len() int {
	if s == nil {
		return 0
	}
	return len(s.set)
}

// Copy returns an independent snapshot.
func (s *SkipStates) Copy() *SkipStates {
	c := NewSkipStates()
	c.Merge(s)
	return c
}

// Slice returns the digests sorted.
func (s *SkipStates) Slice() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.set))
	for d := range s.set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (s *SkipStates) MarshalJSON() ([]byte, error) {
	out := s.Slice()
	if out == nil {
		out = []string{}
	}
	return json.Marshal(out)
}

func (s *SkipStates) UnmarshalJSON(data []byte) error {
	var digests []string
	if err := json.Unmarshal(data, &digests); err != nil {
		return err
	}
	*s = *NewSkipStates(digests...)
	return nil
}
