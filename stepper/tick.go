package stepper

import (
	"sync/atomic"

	"millhammer.com/irq"
)

// timer models one hardware timer channel. A stopped timer delivers
// no ticks; the clock source is expected to poll the running flag.
type timer struct {
	on atomic.Bool
}

func (t *timer) start()        { t.on.Store(true) }
func (t *timer) stop()         { t.on.Store(false) }
func (t *timer) running() bool { return t.on.Load() }

// DDARunning reports whether the step timer is running. The clock
// source calls TickDDA at FrequencyDDA while it is.
func (c *Controller) DDARunning() bool { return c.dda.running() }

// DwellRunning reports whether the dwell timer is running. The clock
// source calls TickDwell at FrequencyDwell while it is.
func (c *Controller) DwellRunning() bool { return c.dwell.running() }

// TickDDA delivers one step timer period. Safe to call from any
// goroutine; the tick body runs on the dispatch goroutine.
func (c *Controller) TickDDA() {
	c.ic.Raise(irq.LineDDA)
}

// TickDwell delivers one dwell timer period.
func (c *Controller) TickDwell() {
	c.ic.Raise(irq.LineDwell)
}

// ddaTick is the step timer interrupt body.
//
// Step pulses are set on tick N and cleared on tick N+1, so the
// on-time is exactly one DDA period. The whole body must complete in
// well under that period.
func (c *Controller) ddaTick() {
	if !c.dda.running() {
		return
	}
	// Lower the step lines raised on the previous tick.
	for m := range c.motors {
		c.motors[m].StepEnd()
	}
	// The previous tick finished the segment but the next load hasn't
	// arrived, or the move is done.
	if c.run.downcount.Load() == 0 {
		c.dda.stop()
		return
	}
	for m := range c.run.mot {
		mot := &c.run.mot[m]
		mot.substepAccumulator += int32(mot.substepIncrement)
		if mot.substepAccumulator > 0 {
			c.motors[m].StepStart()
			mot.substepAccumulator -= c.run.ddaTicksXSubsteps
			c.enc.Increment(m)
		}
	}
	if c.run.downcount.Add(-1) == 0 {
		// Load the next segment at this priority so it is in place
		// before the next tick fires.
		c.loadMove()
	}
}

// dwellTick is the dwell timer interrupt body. It shares the
// downcount with the step timer but touches no step pins.
func (c *Controller) dwellTick() {
	if !c.dwell.running() {
		return
	}
	if c.run.downcount.Add(-1) == 0 {
		c.dwell.stop()
		c.loadMove()
	}
}
