package otp

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sixDigits = regexp.MustCompile(`^[0-9]{6}$`)

func TestNewSeed_HexAndUnique(t *testing.T) {
	a, err := NewSeed()
	require.NoError(t, err)
	b, err := NewSeed()
	require.NoError(t, err)

	assert.Len(t, a, 64) // 32 bytes hex-encoded
	assert.Regexp(t, "^[0-9a-f]+$", a)
	assert.NotEqual(t, a, b)
}

func TestGenerate_SixDigits(t *testing.T) {
	seeds := []string{"", "a", "deadbeef", "0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f"}
	times := []time.Time{
		time.Unix(0, 0),
		time.Unix(1, 0),
		time.Unix(1700000000, 0),
		time.Date(2099, 12, 31, 23, 59, 59, 0, time.UTC),
	}
	for _, seed := range seeds {
		for _, at := range times {
			code := Generate(seed, at, DefaultWindow)
			assert.Regexp(t, sixDigits, code, "seed=%q at=%v", seed, at)
		}
	}
}

func TestGenerate_StableWithinWindow(t *testing.T) {
	seed := "deadbeefcafe"
	base := time.Unix(1700000010, 0) // exact 30s window boundary

	first := Generate(seed, base, DefaultWindow)
	second := Generate(seed, base.Add(29*time.Second), DefaultWindow)
	assert.Equal(t, first, second)

	next := Generate(seed, base.Add(30*time.Second), DefaultWindow)
	assert.NotEqual(t, first, next, "code should rotate at the window boundary")
}

func TestGenerate_DiffersAcrossSeeds(t *testing.T) {
	at := time.Unix(1700000000, 0)
	assert.NotEqual(t, Generate("seed-one", at, DefaultWindow), Generate("seed-two", at, DefaultWindow))
}

func TestValidate_GraceWindow(t *testing.T) {
	seed := "deadbeefcafe"
	now := time.Unix(1700000000, 0)

	current := Generate(seed, now, DefaultWindow)
	previous := Generate(seed, now.Add(-DefaultWindow), DefaultWindow)
	stale := Generate(seed, now.Add(-2*DefaultWindow), DefaultWindow)

	assert.True(t, Validate(seed, current, now, DefaultWindow))
	assert.True(t, Validate(seed, previous, now, DefaultWindow))
	if stale != current && stale != previous {
		assert.False(t, Validate(seed, stale, now, DefaultWindow))
	}
	assert.False(t, Validate(seed, "000000x", now, DefaultWindow))
}

func TestTimeRemaining(t *testing.T) {
	window := 30 * time.Second

	assert.Equal(t, 30*time.Second, TimeRemaining(time.Unix(1700000010, 0), window)) // exact boundary
	assert.Equal(t, 20*time.Second, TimeRemaining(time.Unix(1700000020, 0), window))
	assert.Equal(t, 1*time.Second, TimeRemaining(time.Unix(1700000039, 0), window))
}
