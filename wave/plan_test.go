package wave

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func Test_PlanArithmetic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("waves cover every item without exceeding quota", prop.ForAll(
		func(total, q int) bool {
			p := ComputePlan(total, q, 1)
			if p.PerWave*p.NumWaves < p.Total || p.PerWave > q {
				return false
			}
			if p.NumWaves != (total+p.PerWave-1)/p.PerWave {
				return false
			}
			// no wave is empty
			return (p.NumWaves-1)*p.PerWave < total
		},
		gen.IntRange(1, 1000),
		gen.IntRange(1, 300),
	))

	properties.Property("bounds partition the items in order", prop.ForAll(
		func(total, q int) bool {
			p := ComputePlan(total, q, 1)
			next := 0
			for n := 0; n < p.NumWaves; n++ {
				lo, hi := p.Bounds(n)
				if lo != next || hi <= lo || hi-lo > p.PerWave {
					return false
				}
				next = hi
			}
			return next == total
		},
		gen.IntRange(1, 1000),
		gen.IntRange(1, 300),
	))

	properties.TestingRun(t)
}

func TestComputePlan(t *testing.T) {
	p := ComputePlan(100, 25, 1)
	assert.Equal(t, 25, p.PerWave)
	assert.Equal(t, 4, p.NumWaves)
	assert.True(t, p.Degraded)
	assert.False(t, p.Fallback)
	assert.Len(t, p.Pending, 100)

	p = ComputePlan(10, 25, 1)
	assert.Equal(t, 10, p.PerWave)
	assert.Equal(t, 1, p.NumWaves)
	assert.False(t, p.Degraded)

	p = ComputePlan(10, 10, 1)
	assert.Equal(t, 1, p.NumWaves)
	assert.False(t, p.Degraded)

	p = ComputePlan(7, -1, 3)
	assert.True(t, p.Fallback)
	assert.True(t, p.Degraded)
	assert.Equal(t, 3, p.PerWave)
	assert.Equal(t, 3, p.NumWaves)

	p = ComputePlan(2, 0, 5)
	assert.True(t, p.Fallback)
	assert.False(t, p.Degraded)
	assert.Equal(t, 2, p.PerWave)

	p = ComputePlan(4, 0, 0)
	assert.Equal(t, 1, p.PerWave)
	assert.Equal(t, 4, p.NumWaves)

	p = ComputePlan(0, 5, 1)
	assert.Equal(t, 0, p.NumWaves)
	assert.Empty(t, p.Pending)
}

func TestPlanProgress(t *testing.T) {
	p := ComputePlan(5, 2, 1)
	p.start(0)
	assert.Equal(t, []int{2, 3, 4}, p.Pending)
	assert.Equal(t, []int{0, 1}, p.Running)
	p.finish()
	p.start(1)
	p.finish()
	p.start(2)
	assert.Equal(t, []int{}, p.Pending)
	assert.Equal(t, []int{4}, p.Running)
	assert.Equal(t, []int{0, 1, 2, 3}, p.Completed)

	c := p.copy()
	c.Running[0] = 99
	assert.Equal(t, 4, p.Running[0])
}
