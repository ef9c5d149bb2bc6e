package stepper

// energizeMotor applies power to one motor. A motor whose power mode
// reports it disabled is explicitly disabled again and left alone.
func (c *Controller) energizeMotor(motor int, timeoutSeconds float64) {
	m := c.motors[motor]
	if m.Disabled() {
		m.Disable()
		return
	}
	if timeoutSeconds > 0 {
		m.SetPowerTimeout(timeoutSeconds)
	}
	m.Enable()
}

// Energize applies power to all motors. When positive, timeoutSeconds
// replaces each energized motor's idle timeout until the next
// SetPowerTimeout; the configured timeout is not changed. The idle
// timeouts begin when the motors are told motion stopped.
func (c *Controller) Energize(timeoutSeconds float64) {
	for m := range c.motors {
		c.energizeMotor(m, timeoutSeconds)
	}
}

// Deenergize removes power from all motors immediately.
func (c *Controller) Deenergize() {
	for m := range c.motors {
		c.motors[m].Disable()
	}
}

// PowerCallback sequences motor power from the background loop. It
// only runs when the planner reports slack, and reports whether it
// did anything.
//
// Each motor's state machine is told whether the machine has actually
// come to rest: runtime idle and no segment staged for the loader.
// Driver chips registered with AddChip get their periodic register
// check here as well.
func (c *Controller) PowerCallback() bool {
	if !c.planner.HasSlack() {
		return false
	}

	stopped := !c.Busy() && c.pre.bufferState.Load() != ownedByLoader

	for m := range c.motors {
		c.motors[m].PeriodicCheck(stopped)
	}
	for _, chip := range c.chips {
		chip.Check()
	}
	return true
}
