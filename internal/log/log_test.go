package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	_, warnBefore, errBefore, _ := Counters()

	Warn("test warn event")
	Error("test error event")
	Error("another test error event")

	_, warnAfter, errAfter, fatal := Counters()
	assert.Equal(t, warnBefore+1, warnAfter)
	assert.Equal(t, errBefore+2, errAfter)
	assert.Equal(t, uint64(0), fatal)
}
