// Package encoder tracks per-motor step counts for the motion core.
//
// The encoders here are virtual: they count the step pulses the core
// actually emitted, signed by the published step sign. Comparing the
// count against the planner's target position yields the following
// error the core's nudge correction consumes.
package encoder

import "millhammer.com/stepper"

type motor struct {
	stepSign int
	// stepsRun counts pulses emitted since the last Accumulate.
	stepsRun int
	// steps is the accumulated position in steps.
	steps int64
	// target is the position the planner expects, in fractional
	// steps.
	target float64
}

// An Encoder implements stepper.Encoder for all motor channels.
// Increment runs on the tick path and is a single add.
type Encoder struct {
	mot [stepper.MotorCount]motor
}

func New() *Encoder {
	return new(Encoder)
}

// SetStepSign publishes the counting direction for a motor.
func (e *Encoder) SetStepSign(motor, sign int) {
	e.mot[motor].stepSign = sign
}

// Increment counts one emitted step pulse.
func (e *Encoder) Increment(motor int) {
	e.mot[motor].stepsRun += e.mot[motor].stepSign
}

// Accumulate folds the pulses counted so far into the motor's step
// position and zeroes the running count.
func (e *Encoder) Accumulate(motor int) {
	e.mot[motor].steps += int64(e.mot[motor].stepsRun)
	e.mot[motor].stepsRun = 0
}

// Steps returns a motor's accumulated step position.
func (e *Encoder) Steps(motor int) int64 {
	return e.mot[motor].steps
}

// SetTarget records the position the planner expects for a motor, in
// fractional steps.
func (e *Encoder) SetTarget(motor int, steps float64) {
	e.mot[motor].target = steps
}

// FollowingError returns the measured error between the accumulated
// position and the planner target, in steps.
func (e *Encoder) FollowingError(motor int) float64 {
	return float64(e.mot[motor].steps) - e.mot[motor].target
}

// SetPosition forces a motor's accumulated position, discarding any
// uncounted pulses. Used to synchronize the encoder to the runtime
// position on reset.
func (e *Encoder) SetPosition(motor int, steps int64) {
	e.mot[motor].steps = steps
	e.mot[motor].stepsRun = 0
	e.mot[motor].target = float64(steps)
}
