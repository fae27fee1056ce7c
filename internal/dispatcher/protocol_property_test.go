package dispatcher

import (
	"encoding/json"
	"testing"

	"pgregory.net/rapid"
)

var tierNames = []string{"stm", "ltm", "users"}

// TestParseQueryRequest_AcceptsAnyEqualLengthArrays checks that every
// well-formed query message with matching from[]/n[] lengths parses, and
// that the parsed arrays keep their pairing.
func TestParseQueryRequest_AcceptsAnyEqualLengthArrays(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(rt, "pairs")
		from := make([]string, n)
		counts := make([]int, n)
		for i := 0; i < n; i++ {
			from[i] = rapid.SampledFrom(tierNames).Draw(rt, "tier")
			counts[i] = rapid.IntRange(0, 1000).Draw(rt, "n")
		}

		raw, err := json.Marshal(map[string]any{
			"uid": "u1", "type": "query", "ai_name": "agent",
			"query": rapid.StringN(0, 64, 64).Draw(rt, "query"),
			"from":  from, "n": counts,
		})
		if err != nil {
			rt.Fatalf("marshal: %v", err)
		}

		req, err := parseQueryRequest(raw)
		if err != nil {
			rt.Fatalf("parse rejected a well-formed query: %v", err)
		}
		if len(req.From) != len(req.N) {
			rt.Fatalf("parsed arrays lost pairing: %d vs %d", len(req.From), len(req.N))
		}
		for i, tier := range req.From {
			if string(tier) != from[i] || req.N[i] != counts[i] {
				rt.Fatalf("pair %d changed during parse", i)
			}
		}
	})
}

// TestParseQueryRequest_RejectsLengthMismatch checks the equal-length
// validation for every unequal pair of array lengths.
func TestParseQueryRequest_RejectsLengthMismatch(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		lenFrom := rapid.IntRange(0, 6).Draw(rt, "lenFrom")
		lenN := rapid.IntRange(0, 6).Filter(func(v int) bool { return v != lenFrom }).Draw(rt, "lenN")

		from := make([]string, lenFrom)
		for i := range from {
			from[i] = rapid.SampledFrom(tierNames).Draw(rt, "tier")
		}
		counts := make([]int, lenN)

		raw, err := json.Marshal(map[string]any{
			"uid": "u1", "type": "query", "ai_name": "agent", "query": "q",
			"from": from, "n": counts,
		})
		if err != nil {
			rt.Fatalf("marshal: %v", err)
		}

		if _, err := parseQueryRequest(raw); err == nil {
			rt.Fatalf("mismatched lengths %d/%d parsed without error", lenFrom, lenN)
		}
	})
}

// TestParseStoreRequest_RejectsUnknownTiers checks that a store message
// naming any tier outside {stm, ltm, users} never parses.
func TestParseStoreRequest_RejectsUnknownTiers(t *testing.T) {
	t.Parallel()
	known := map[string]bool{"stm": true, "ltm": true, "users": true}
	rapid.Check(t, func(rt *rapid.T) {
		tier := rapid.StringN(1, 16, 16).Filter(func(s string) bool { return !known[s] }).Draw(rt, "tier")

		raw, err := json.Marshal(map[string]any{
			"uid": "u1", "type": "store", "ai_name": "agent",
			"to":       []string{tier},
			"memories": []map[string]any{{"content": "x"}},
		})
		if err != nil {
			rt.Fatalf("marshal: %v", err)
		}

		if _, err := parseStoreRequest(raw); err == nil {
			rt.Fatalf("unknown tier %q parsed without error", tier)
		}
	})
}
