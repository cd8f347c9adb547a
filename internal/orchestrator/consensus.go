package orchestrator

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Similarity scores how close two consecutive rounds' merged outputs are,
// from 0 (unrelated) to 1 (identical).
type Similarity func(prev, cur map[string]any) float64

// KeyAgreement is the share of keys, across both maps, whose values are
// equal in both.
func KeyAgreement(prev, cur map[string]any) float64 {
	keys := make(map[string]bool, len(prev)+len(cur))
	for k := range prev {
		keys[k] = true
	}
	for k := range cur {
		keys[k] = true
	}
	if len(keys) == 0 {
		return 1
	}
	agree := 0
	for k := range keys {
		a, okA := prev[k]
		b, okB := cur[k]
		if okA && okB && sameJSON(a, b) {
			agree++
		}
	}
	return float64(agree) / float64(len(keys))
}

// TextJaccard compares the word sets of both maps' encoded forms.
func TextJaccard(prev, cur map[string]any) float64 {
	a, b := wordSet(encode(prev)), wordSet(encode(cur))
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	}) {
		set[w] = true
	}
	return set
}

// sameJSON compares values by their JSON encoding, so 1 and 1.0 are equal.
func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
