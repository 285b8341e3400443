package storage

import (
	"fmt"
	"regexp"
	"sync/atomic"
)

// KeyGeneratorType selects how a collection mints _key values when the
// caller does not supply one.
type KeyGeneratorType string

const (
	KeyGeneratorTraditional  KeyGeneratorType = "traditional"
	KeyGeneratorAutoincrement KeyGeneratorType = "autoincrement"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_:.@()+,=;$!*'%-]{1,254}$`)

// keyGenerator produces or validates document keys for one collection.
type keyGenerator struct {
	kind    KeyGeneratorType
	counter uint64
}

func newKeyGenerator(kind KeyGeneratorType) *keyGenerator {
	if kind == "" {
		kind = KeyGeneratorTraditional
	}
	return &keyGenerator{kind: kind}
}

// generate mints a fresh key. traditional keys are monotone decimal
// strings derived from the same counter an autoincrement generator would
// use; the two kinds differ only in whether a caller-supplied key is
// accepted (autoincrement rejects one that isn't itself the next integer).
func (g *keyGenerator) generate() (string, error) {
	next := atomic.AddUint64(&g.counter, 1)
	if next == 0 {
		return "", ErrKeyGenerationExhausted
	}
	return fmt.Sprintf("%d", next), nil
}

// validate checks a caller-supplied key against the generator's rules.
func (g *keyGenerator) validate(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	return nil
}

// observe folds a caller-supplied or recovered key into the counter so
// later autoincrement/traditional generation stays ahead of it.
func (g *keyGenerator) observe(key string) {
	var n uint64
	if _, err := fmt.Sscanf(key, "%d", &n); err != nil {
		return
	}
	for {
		prev := atomic.LoadUint64(&g.counter)
		if n <= prev {
			return
		}
		if atomic.CompareAndSwapUint64(&g.counter, prev, n) {
			return
		}
	}
}
