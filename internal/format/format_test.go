package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMoneyGroupsDigits(t *testing.T) {
	out := Money("nb", 650000)
	assert.True(t, strings.HasPrefix(out, "kr "))
	assert.Contains(t, out, "650")
	assert.Contains(t, out, "000")
	assert.NotContains(t, out, "650000")
}

func TestMoneyFallsBackOnBadLocale(t *testing.T) {
	assert.Equal(t, Money("nb", 910000), Money("!!", 910000))
}

func TestDays(t *testing.T) {
	assert.Equal(t, "1 dag", Days("nb", 1))
	assert.Equal(t, "14 dager", Days("nb", 14))
}
