package profiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type staticSource string

func (s staticSource) ProfileStats() string { return string(s) }

func TestTickLogsAfterInterval(t *testing.T) {
	p := NewProfiler(staticSource("Readback: ready 3"))
	p.SetInterval(time.Millisecond)

	time.Sleep(2 * time.Millisecond)
	assert.True(t, p.Tick())

	line := p.LastLine()
	assert.Contains(t, line, "CPS:")
	assert.Contains(t, line, "Readback: ready 3")
}

func TestTickWithinInterval(t *testing.T) {
	p := NewProfiler()
	p.SetInterval(time.Hour)

	assert.False(t, p.Tick())
	assert.False(t, p.Tick())
	assert.Empty(t, p.LastLine())
}

func TestAddSource(t *testing.T) {
	p := NewProfiler()
	p.AddSource(staticSource("Extra: 1"))
	p.SetInterval(time.Millisecond)

	time.Sleep(2 * time.Millisecond)
	p.Tick()
	assert.Contains(t, p.LastLine(), "Extra: 1")
}
