package stepper

import (
	"math"

	"millhammer.com/irq"
)

// PrepLine stages the next motion segment for the loader.
//
// travel holds signed fractional steps per motor; motors not in the
// move must be exactly 0. followingError holds measured step errors
// used for nudge correction. segmentTime is the segment duration in
// minutes; if timing is not perfectly accurate it affects velocity,
// never distance.
//
// Calling PrepLine without owning the prep buffer, or with a
// non-finite segment time, is unrecoverable and is routed to the
// panic handler. A segment shorter than the minimum returns
// ErrMinimumTime and stages nothing.
func (c *Controller) PrepLine(travel, followingError [MotorCount]float64, segmentTime float64) error {
	if c.pre.bufferState.Load() != ownedByExec {
		return c.fail(ErrPrepSync)
	}
	if math.IsInf(segmentTime, 0) {
		return c.fail(ErrTimeInfinite)
	}
	if math.IsNaN(segmentTime) {
		return c.fail(ErrTimeNaN)
	}
	if segmentTime < epsilonMinutes {
		return ErrMinimumTime
	}

	// ddaTicks is the integer number of DDA periods that play out the
	// segment; ticks times Substeps is the accumulator depth.
	c.pre.ddaTicks = int32(math.Round(segmentTime * 60 * FrequencyDDA))
	c.pre.ddaTicksXSubsteps = c.pre.ddaTicks * Substeps

	for m := range travel {
		pm := &c.pre.mot[m]

		// A motor with no new steps is flagged idle by a zero
		// increment. All of its other state must carry over
		// untouched.
		if travel[m] == 0 {
			pm.substepIncrement = 0
			continue
		}
		steps := travel[m]

		if steps >= 0 {
			pm.direction = CW ^ Direction(c.cfg.Motors[m].Polarity&1)
			pm.stepSign = 1
		} else {
			pm.direction = CCW ^ Direction(c.cfg.Motors[m].Polarity&1)
			pm.stepSign = -1
		}

		// Detect a segment time change and set up the accumulator
		// correction factor. Doing it here computes the right factor
		// even if the motor sat out any number of segments: the
		// factor is relative to the last segment this motor ran.
		if math.Abs(segmentTime-pm.prevSegmentTime) > 1e-7 {
			if pm.prevSegmentTime != 0 { // skip the very first move
				pm.accumulatorCorrectionFlag = true
				pm.accumulatorCorrection = segmentTime / pm.prevSegmentTime
			}
			pm.prevSegmentTime = segmentTime
		}

		// Nudge correction: inject a single scaled correction toward
		// the observed following error, then hold off.
		pm.correctionHoldoff--
		if pm.correctionHoldoff < 0 && math.Abs(followingError[m]) > stepCorrectionThreshold {
			pm.correctionHoldoff = stepCorrectionHoldoff
			correction := followingError[m] * stepCorrectionFactor
			if correction > 0 {
				correction = min(correction, math.Abs(steps), stepCorrectionMax)
			} else {
				correction = max(correction, -math.Abs(steps), -stepCorrectionMax)
			}
			pm.correctedSteps += correction
			steps -= correction
		}

		// The increment must be exactly the fractional steps times
		// the substep multiplier or position drifts over time.
		// Rounding, not truncating, avoids a negative bias in the
		// conversion that shows up as long-term negative drift.
		pm.substepIncrement = uint32(math.Round(math.Abs(steps * Substeps)))
	}

	c.pre.blockType = blockLine
	c.pre.bufferState.Store(ownedByLoader)
	return nil
}

// PrepDwell stages a pure delay of the given duration in
// microseconds.
func (c *Controller) PrepDwell(microseconds float64) {
	c.pre.blockType = blockDwell
	c.pre.ddaTicks = int32(microseconds / 1e6 * FrequencyDwell)
	c.pre.bufferState.Store(ownedByLoader)
}

// PrepNull marks the prep buffer empty. It keeps the loader fed when
// the planner has nothing to move.
func (c *Controller) PrepNull() {
	c.pre.blockType = blockNull
	c.pre.bufferState.Store(ownedByExec)
}

// PrepCommand stages a command for synchronous dispatch to the
// planner when the loader reaches it.
func (c *Controller) PrepCommand(cmd any) {
	c.pre.blockType = blockCommand
	c.pre.cmd = cmd
	c.pre.bufferState.Store(ownedByLoader)
}

// OutOfBandDwell loads a dwell directly, bypassing the planner
// queue. Only usable while exec isn't running, such as in feedhold.
func (c *Controller) OutOfBandDwell(microseconds float64) {
	c.PrepDwell(microseconds)
	c.RequestLoad()
}

// RequestExec asks for the next segment to be prepared. Dropped if
// the prep buffer isn't back in the exec stage's hands yet.
func (c *Controller) RequestExec() {
	if c.pre.bufferState.Load() == ownedByExec {
		c.ic.Raise(irq.LineExec)
	}
}

// RequestPlan asks for a round of forward planning at the lowest
// priority.
func (c *Controller) RequestPlan() {
	c.ic.Raise(irq.LinePlan)
}

// execMove is the exec line handler: it advances the planner one
// segment and hands the filled prep buffer to the loader.
func (c *Controller) execMove() {
	if c.pre.bufferState.Load() != ownedByExec {
		return
	}
	if c.planner.ExecMove() {
		c.pre.bufferState.Store(ownedByLoader)
		c.RequestLoad()
	}
}

// planMove is the plan line handler.
func (c *Controller) planMove() {
	if c.planner.PlanMove() {
		c.RequestExec()
	}
}
