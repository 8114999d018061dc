package shortname

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsOverLength(t *testing.T) {
	long := strings.Repeat("a", MaxLen+1)
	_, err := New([]byte(long))
	require.Error(t, err)
}

func TestNewAcceptsMaxLength(t *testing.T) {
	max := strings.Repeat("a", MaxLen)
	n, err := New([]byte(max))
	require.NoError(t, err)
	assert.Equal(t, MaxLen, n.Len())
}

func TestOrderingIsLexicographic(t *testing.T) {
	a := Of("alice")
	b := Of("bob")
	assert.True(t, a < b)
	assert.True(t, string(a) < string(b))
}

func TestEqualityByContent(t *testing.T) {
	a, err := New([]byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, Of("alice"), a)
}
