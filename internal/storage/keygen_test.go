package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyGeneratorGenerateMonotone(t *testing.T) {
	g := newKeyGenerator(KeyGeneratorTraditional)

	first, err := g.generate()
	require.NoError(t, err)
	second, err := g.generate()
	require.NoError(t, err)

	assert.Equal(t, "1", first)
	assert.Equal(t, "2", second)
}

func TestKeyGeneratorDefaultsToTraditional(t *testing.T) {
	g := newKeyGenerator("")
	assert.Equal(t, KeyGeneratorTraditional, g.kind)
}

func TestKeyGeneratorValidateRejectsIllegalCharacters(t *testing.T) {
	g := newKeyGenerator(KeyGeneratorTraditional)
	assert.NoError(t, g.validate("abc-123_:.@()+,=;$!*'%"))
	assert.ErrorIs(t, g.validate("has a space"), ErrMalformedKey)
	assert.ErrorIs(t, g.validate(""), ErrMalformedKey)
}

// TestKeyGeneratorObserveAdvancesCounter is the analogue of clock.observe:
// a recovered or caller-supplied numeric key must push later generated keys
// past it so recovery can never mint a key that collides with one already
// on disk.
func TestKeyGeneratorObserveAdvancesCounter(t *testing.T) {
	g := newKeyGenerator(KeyGeneratorTraditional)
	g.observe("500")

	next, err := g.generate()
	require.NoError(t, err)
	assert.Equal(t, "501", next)
}

// TestKeyGeneratorObserveIgnoresNonNumericAndSmaller checks observe never
// moves the counter backwards and tolerates a non-numeric caller-supplied
// key without panicking.
func TestKeyGeneratorObserveIgnoresNonNumericAndSmaller(t *testing.T) {
	g := newKeyGenerator(KeyGeneratorAutoincrement)
	g.observe("100")
	g.observe("not-a-number")
	g.observe("50")

	next, err := g.generate()
	require.NoError(t, err)
	assert.Equal(t, "101", next)
}
