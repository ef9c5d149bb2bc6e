package stepper

import "log"

// Configuration setters. These run in the background context; they
// validate, update the stored configuration and push the setting to
// the motor hardware.

func (c *Controller) checkMotor(motor int) {
	if motor < 0 || MotorCount <= motor {
		panic("motor out of range")
	}
}

// SetStepAngle sets a motor's full-step angle in degrees.
func (c *Controller) SetStepAngle(motor int, degrees float64) {
	c.checkMotor(motor)
	c.cfg.Motors[motor].StepAngle = degrees
}

// SetTravelPerRev sets a motor's travel per revolution in units.
func (c *Controller) SetTravelPerRev(motor int, travel float64) {
	c.checkMotor(motor)
	c.cfg.Motors[motor].TravelPerRev = travel
}

// SetMicrosteps sets a motor's microstep resolution and applies it to
// the hardware. Standard values are 1, 2, 4, 8, 16 and 32; other
// values are accepted with a warning.
func (c *Controller) SetMicrosteps(motor, n int) {
	c.checkMotor(motor)
	switch n {
	case 1, 2, 4, 8, 16, 32:
	default:
		log.Printf("stepper: motor %d: non-standard microstep value %d", motor+1, n)
	}
	c.cfg.Motors[motor].Microsteps = n
	c.motors[motor].SetMicrosteps(n)
}

// SetPolarity sets a motor's direction polarity bit.
func (c *Controller) SetPolarity(motor int, polarity uint8) {
	c.checkMotor(motor)
	c.cfg.Motors[motor].Polarity = polarity & 1
}

// SetPowerMode sets a motor's power management mode. The change takes
// effect immediately.
func (c *Controller) SetPowerMode(motor int, mode PowerMode) error {
	c.checkMotor(motor)
	if mode >= powerModeCount {
		return ErrPowerMode
	}
	c.cfg.Motors[motor].PowerMode = mode
	c.motors[motor].SetPowerMode(mode)
	return nil
}

// SetPowerLevel sets a motor's current scale. level must be in
// [0, 1]; values outside the range leave the motor untouched.
func (c *Controller) SetPowerLevel(motor int, level float64) error {
	c.checkMotor(motor)
	if level < 0 || 1 < level {
		return ErrPowerLevel
	}
	c.cfg.Motors[motor].PowerLevel = level
	c.motors[motor].SetPowerLevel(level)
	return nil
}

// SetPowerTimeout sets the idle timeout for all motors, clamped to
// the supported range, and returns the value in effect.
func (c *Controller) SetPowerTimeout(seconds float64) float64 {
	seconds = min(TimeoutSecondsMax, max(seconds, TimeoutSecondsMin))
	c.cfg.PowerTimeout = seconds
	for m := range c.motors {
		c.motors[m].SetPowerTimeout(seconds)
	}
	return seconds
}

// ApplyConfig installs a whole configuration, pushing every setting
// through the validating setters. The first validation error is
// returned; earlier settings stay applied.
func (c *Controller) ApplyConfig(cfg Config) error {
	for m := range cfg.Motors {
		mc := &cfg.Motors[m]
		c.SetStepAngle(m, mc.StepAngle)
		c.SetTravelPerRev(m, mc.TravelPerRev)
		c.SetMicrosteps(m, mc.Microsteps)
		c.SetPolarity(m, mc.Polarity)
		if err := c.SetPowerMode(m, mc.PowerMode); err != nil {
			return err
		}
		if err := c.SetPowerLevel(m, mc.PowerLevel); err != nil {
			return err
		}
	}
	c.SetPowerTimeout(cfg.PowerTimeout)
	return nil
}
