package supervisor

import (
	"encoding/json"
	"math/rand"
)

// rng is the single supervisor loop's random source, used to pick repair
// targets among equally-eligible available servers. The loop is
// single-threaded (§5), so an unsynchronized package-level source is safe.
var rng = rand.New(rand.NewSource(1))

// SetRandomSeed reseeds the package's random source; tests use this to make
// target-server selection reproducible.
func SetRandomSeed(seed int64) {
	rng = rand.New(rand.NewSource(seed))
}

func unmarshalInto(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// pickRandom returns a random element of candidates, or "" if candidates is
// empty. See SetRandomSeed for reproducing a specific choice in tests.
func pickRandom(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rng.Intn(len(candidates))]
}

// diff returns elements of a not present in b.
func diff(a, b []string) []string {
	exclude := map[string]bool{}
	for _, x := range b {
		exclude[x] = true
	}
	var out []string
	for _, x := range a {
		if !exclude[x] {
			out = append(out, x)
		}
	}
	return out
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

func removeString(items []string, target string) []string {
	out := items[:0:0]
	for _, item := range items {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}
