package stepper

import "millhammer.com/irq"

// RequestLoad asks for the prepared segment to be committed to the
// runtime. The request is dropped if the runtime is still stepping
// (the tick handler loads the next segment itself) or if no segment
// is staged.
func (c *Controller) RequestLoad() {
	if c.Busy() {
		return
	}
	if c.pre.bufferState.Load() == ownedByLoader {
		c.ic.Raise(irq.LineLoad)
	}
}

// loadMove commits the prep buffer to the run buffer and starts the
// matching timer. It runs at the load line's priority, or directly
// from the tick handlers when a segment finishes. It never reports
// errors; every input state has a defined outcome.
func (c *Controller) loadMove() {
	if c.Busy() {
		return
	}
	if c.pre.bufferState.Load() != ownedByLoader {
		// Nothing to load. Tell the motors so their idle timeouts can
		// begin.
		for m := range c.motors {
			c.motors[m].MotionStopped()
		}
		return
	}

	switch c.pre.blockType {
	case blockLine:
		c.run.ddaTicksXSubsteps = c.pre.ddaTicksXSubsteps
		c.run.downcount.Store(c.pre.ddaTicks)

		for m := range c.pre.mot {
			pm := &c.pre.mot[m]
			rm := &c.run.mot[m]

			rm.substepIncrement = pm.substepIncrement
			if rm.substepIncrement == 0 {
				// Motor is idle this segment. The accumulator and the
				// direction state are left untouched so that a motor
				// dormant for many segments resumes phase-coherently
				// from the last segment it actually ran.
				c.motors[m].MotionStopped()
				c.enc.Accumulate(m)
				continue
			}

			// Rescale the accumulator if the segment time base
			// changed since this motor last ran.
			if pm.accumulatorCorrectionFlag {
				pm.accumulatorCorrectionFlag = false
				rm.substepAccumulator = int32(float64(rm.substepAccumulator) * pm.accumulatorCorrection)
			}

			// On a direction change, set the hardware direction and
			// reflect the accumulator about the midpoint of its
			// range. The reflection preserves the Bresenham phase
			// across the reversal.
			if pm.direction != pm.prevDirection {
				pm.prevDirection = pm.direction
				rm.substepAccumulator = -(c.run.ddaTicksXSubsteps + rm.substepAccumulator)
				c.motors[m].SetDirection(pm.direction)
			}

			c.motors[m].Enable()
			c.enc.SetStepSign(m, int(pm.stepSign))
			c.enc.Accumulate(m)
		}

		c.dda.start()

	case blockDwell:
		// A zero-length dwell completes without ever starting the
		// timer.
		if c.pre.ddaTicks > 0 {
			c.run.downcount.Store(c.pre.ddaTicks)
			c.dwell.start()
		}

	case blockCommand:
		// Commands execute synchronously at this priority; the
		// planner's contract requires RunCommand to be bounded.
		c.planner.RunCommand(c.pre.cmd)
		c.pre.cmd = nil
	}
	// Null blocks and command completions drop through to here.

	c.pre.blockType = blockNull
	c.pre.bufferState.Store(ownedByExec)
	c.RequestExec()
}
