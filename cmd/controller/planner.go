package main

import (
	"math"
	"sync"

	"millhammer.com/encoder"
	"millhammer.com/stepper"
)

// Jog pacing: fixed-rate moves chopped into short segments.
const (
	jogStepsPerSecond = 800
	jogSegmentMinutes = 0.005 / 60 // 5 ms
)

type jogSegment struct {
	travel  [stepper.MotorCount]float64
	minutes float64
}

// jogPlanner is the minimal planner the daemon hosts: it feeds
// console jog requests to the core as constant-rate segments. It has
// no lookahead; HasSlack is always true.
type jogPlanner struct {
	core *stepper.Controller
	enc  *encoder.Encoder

	mu   sync.Mutex
	segs []jogSegment
	// position is the runtime position in steps per motor.
	position [stepper.MotorCount]float64
}

func newJogPlanner(enc *encoder.Encoder) *jogPlanner {
	return &jogPlanner{enc: enc}
}

// Jog queues a move of the given fractional steps on one motor.
func (p *jogPlanner) Jog(motor int, steps float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	perSegment := jogStepsPerSecond * jogSegmentMinutes * 60
	for rem := math.Abs(steps); rem > 0; rem -= perSegment {
		var seg jogSegment
		n := math.Min(rem, perSegment)
		seg.travel[motor] = math.Copysign(n, steps)
		seg.minutes = jogSegmentMinutes * n / perSegment
		p.segs = append(p.segs, seg)
	}
}

func (p *jogPlanner) ExecMove() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.segs) > 0 {
		seg := p.segs[0]
		p.segs = p.segs[1:]

		var ferr [stepper.MotorCount]float64
		for m := range ferr {
			ferr[m] = p.enc.FollowingError(m)
		}
		err := p.core.PrepLine(seg.travel, ferr, seg.minutes)
		if err == stepper.ErrMinimumTime {
			continue // skip a too-short tail segment
		}
		if err != nil {
			return false
		}
		for m := range seg.travel {
			p.position[m] += seg.travel[m]
			p.enc.SetTarget(m, p.position[m])
		}
		return true
	}
	return false
}

func (p *jogPlanner) PlanMove() bool { return false }

func (p *jogPlanner) HasSlack() bool { return true }

func (p *jogPlanner) RunCommand(cmd any) {
	if fn, ok := cmd.(func()); ok {
		fn()
	}
}

// SyncSteps aligns the encoders with the runtime position, dropping
// any queued jog remainder.
func (p *jogPlanner) SyncSteps() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segs = nil
	for m := range p.position {
		p.enc.SetPosition(m, int64(math.Round(p.position[m])))
	}
}

// Position returns a motor's runtime position in steps.
func (p *jogPlanner) Position(motor int) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position[motor]
}
