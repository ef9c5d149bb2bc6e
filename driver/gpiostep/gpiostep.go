// Package gpiostep drives one stepper motor channel through step,
// direction and enable GPIO lines, with an optional PWM current
// reference, and runs the motor's power state machine.
package gpiostep

import (
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"millhammer.com/stepper"
)

// vrefFrequency is the PWM carrier for the current reference output.
const vrefFrequency = 100 * physic.KiloHertz

// idleLevelFraction scales the power level down while a motor waits
// out its idle timeout.
const idleLevelFraction = 0.25

// Config names the motor's pins. Enable is active low. Vref is
// optional; without it power levels are recorded but not applied.
type Config struct {
	Step   gpio.PinOut
	Dir    gpio.PinOut
	Enable gpio.PinOut
	Vref   gpio.PinOut
}

type powerState uint8

const (
	powerIdle powerState = iota
	powerRunning
	powerTimeoutStart
	powerCountdown
)

// Motor implements stepper.Motor. StepStart, StepEnd, SetDirection,
// Enable and MotionStopped run on the tick path and only touch pins
// and plain fields.
type Motor struct {
	step   gpio.PinOut
	dir    gpio.PinOut
	enable gpio.PinOut
	vref   gpio.PinOut

	now func() time.Time

	mode       stepper.PowerMode
	level      float64
	microsteps int
	timeout    time.Duration

	state    powerState
	deadline time.Time
	on       bool
}

func New(cfg Config) *Motor {
	m := &Motor{
		step:   cfg.Step,
		dir:    cfg.Dir,
		enable: cfg.Enable,
		vref:   cfg.Vref,
		now:    time.Now,
	}
	m.step.Out(gpio.Low)
	m.dir.Out(gpio.Low)
	m.enable.Out(gpio.High)
	return m
}

// Enable energizes the motor at its full power level, unless its
// power mode keeps it disabled.
func (m *Motor) Enable() {
	if m.mode == stepper.PowerDisabled {
		return
	}
	m.applyLevel(m.level)
	m.enable.Out(gpio.Low)
	m.on = true
	m.state = powerRunning
}

// Disable removes power immediately.
func (m *Motor) Disable() {
	m.enable.Out(gpio.High)
	m.on = false
	m.state = powerIdle
}

// Disabled reports whether the power mode forbids energizing the
// motor.
func (m *Motor) Disabled() bool {
	return m.mode == stepper.PowerDisabled
}

// Energized reports whether the enable output is asserted.
func (m *Motor) Energized() bool {
	return m.on
}

func (m *Motor) SetDirection(d stepper.Direction) {
	if d == stepper.CCW {
		m.dir.Out(gpio.High)
	} else {
		m.dir.Out(gpio.Low)
	}
}

// SetMicrosteps records the microstep resolution. The resolution
// itself lives in the driver chip's CHOPCONF; the motor keeps the
// value for step scaling diagnostics.
func (m *Motor) SetMicrosteps(n int) {
	m.microsteps = n
}

func (m *Motor) SetPowerMode(mode stepper.PowerMode) {
	m.mode = mode
	switch mode {
	case stepper.PowerDisabled:
		m.Disable()
	case stepper.PowerAlwaysOn:
		m.Enable()
	}
}

func (m *Motor) SetPowerLevel(level float64) {
	m.level = level
	if m.on {
		m.applyLevel(level)
	}
}

func (m *Motor) SetPowerTimeout(seconds float64) {
	m.timeout = time.Duration(seconds * float64(time.Second))
}

func (m *Motor) StepStart() {
	m.step.Out(gpio.High)
}

func (m *Motor) StepEnd() {
	m.step.Out(gpio.Low)
}

// MotionStopped arms the idle timeout; the countdown starts at the
// next PeriodicCheck.
func (m *Motor) MotionStopped() {
	if m.state == powerRunning {
		m.state = powerTimeoutStart
	}
}

// PeriodicCheck advances the power state machine from the background
// power callback. stopped reports whether the whole machine is at
// rest; a motor powered in-cycle stays energized until then, while a
// motor powered only when moving times out on its own.
func (m *Motor) PeriodicCheck(stopped bool) {
	switch m.mode {
	case stepper.PowerAlwaysOn:
		if !m.on {
			m.Enable()
		}
		return
	case stepper.PowerInCycle:
		if !stopped {
			return
		}
	case stepper.PowerWhenMoving:
	default:
		return
	}
	switch m.state {
	case powerTimeoutStart:
		m.state = powerCountdown
		m.deadline = m.now().Add(m.timeout)
		// Hold the motor at reduced current while it waits.
		m.applyLevel(m.level * idleLevelFraction)
	case powerCountdown:
		if !m.now().Before(m.deadline) {
			m.Disable()
		}
	}
}

func (m *Motor) applyLevel(level float64) {
	if m.vref == nil {
		return
	}
	level = max(0, min(1, level))
	m.vref.PWM(gpio.Duty(level*float64(gpio.DutyMax)), vrefFrequency)
}
