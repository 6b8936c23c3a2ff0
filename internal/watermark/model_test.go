package watermark

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPositionOrdering(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := Position{CreatedAt: at(10, 0), UniqueKey: 5}
	b := Position{CreatedAt: at(10, 0), UniqueKey: 6}
	c := Position{CreatedAt: at(10, 1), UniqueKey: 1}

	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
	assert.False(t, a.Before(a))
	assert.False(t, c.Before(a))

	assert.Equal(t, &c, Max(&a, &c))
	assert.Equal(t, &c, Max(&c, &b))
	assert.Equal(t, &a, Max(nil, &a))
	assert.Nil(t, Max(nil, nil))
}

func TestParseMode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m, err := ParseMode(" Incremental ")
	assert.NoError(t, err)
	assert.Equal(t, ModeIncremental, m)

	_, err = ParseMode("append")
	assert.ErrorIs(t, err, ErrInvalidMode)
}
