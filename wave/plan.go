// Package wave runs a batch of work in quota-sized waves. It asks a quota
// oracle how many workers fit, splits the batch into sequential waves of at
// most that many items, and runs each wave to completion before starting the
// next.
package wave

import (
	"fmt"
)

// Plan is how a batch of Total items is split into waves, and how far the
// run has progressed. Plans are never persisted.
type Plan struct {
	Total    int
	PerWave  int
	NumWaves int

	// What the oracle reported, -1 if it could not be read.
	Quota int
	// Fewer than Total items fit at once, so the batch runs in several waves.
	Degraded bool
	// The oracle failed or reported no capacity; waves are MinPerWave items.
	Fallback bool

	// Item indexes by progress.
	Pending   []int
	Running   []int
	Completed []int
}

// ComputePlan splits total items into waves of at most quota items. A quota
// of 0 or less means the oracle gave no usable answer and waves fall back to
// minPerWave items.
func ComputePlan(total, quota, minPerWave int) *Plan {
	if minPerWave < 1 {
		minPerWave = 1
	}
	p := &Plan{Total: total, Quota: quota, Pending: []int{}, Running: []int{}, Completed: []int{}}
	if total <= 0 {
		p.Total = 0
		return p
	}
	per := total
	if quota <= 0 {
		p.Fallback = true
		if minPerWave < per {
			per = minPerWave
		}
	} else if quota < per {
		per = quota
	}
	p.PerWave = per
	p.NumWaves = (total + per - 1) / per
	p.Degraded = per < total
	for i := 0; i < total; i++ {
		p.Pending = append(p.Pending, i)
	}
	return p
}

// Bounds returns the half open range of item indexes in wave n.
func (p *Plan) Bounds(n int) (int, int) {
	lo := n * p.PerWave
	hi := lo + p.PerWave
	if hi > p.Total {
		hi = p.Total
	}
	return lo, hi
}

// start moves wave n's items from Pending to Running.
func (p *Plan) start(n int) {
	lo, hi := p.Bounds(n)
	p.Pending = p.Pending[hi-lo:]
	for i := lo; i < hi; i++ {
		p.Running = append(p.Running, i)
	}
}

// finish moves the running wave's items to Completed.
func (p *Plan) finish() {
	p.Completed = append(p.Completed, p.Running...)
	p.Running = []int{}
}

func (p *Plan) copy() *Plan {
	c := *p
	c.Pending = append([]int{}, p.Pending...)
	c.Running = append([]int{}, p.Running...)
	c.Completed = append([]int{}, p.Completed...)
	return &c
}

func (p *Plan) String() string {
	return fmt.Sprintf("Plan: Total: %d, PerWave: %d, NumWaves: %d, Quota: %d, Degraded: %t, Fallback: %t, Pending: %d, Running: %d, Completed: %d",
		p.Total, p.PerWave, p.NumWaves, p.Quota, p.Degraded, p.Fallback, len(p.Pending), len(p.Running), len(p.Completed))
}
