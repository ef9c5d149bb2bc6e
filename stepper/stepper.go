// Package stepper implements the motion execution core of the
// millhammer controller: it turns a stream of short motion segments
// (per-motor fractional step counts over a fixed time slice) into
// precisely timed step pulses on up to six motor channels.
//
// The core is built around three pieces:
//
//   - a fixed-frequency DDA tick that advances a substep accumulator
//     per motor and emits a one-tick-wide step pulse on overflow;
//   - a single prep buffer handed back and forth between the exec and
//     load stages, with ownership tracked by a single state word;
//   - per-motor power management driven from a low-priority callback.
//
// All segment state is owned by the dispatch goroutine of the irq
// controller passed to New. The only values read from other
// goroutines, the buffer owner and the tick downcount, are atomics.
package stepper

import (
	"errors"
	"sync/atomic"

	"millhammer.com/irq"
)

const (
	// MotorCount is the number of motor channels.
	MotorCount = 6

	// FrequencyDDA is the step pulse timer rate in Hz. One period is
	// the step pulse width, and a whole tick must fit inside it.
	FrequencyDDA = 100000
	// FrequencyDwell is the dwell timer rate in Hz.
	FrequencyDwell = 1000
	// Substeps subdivides one step so that fractional per-tick motion
	// is representable exactly in the accumulators.
	Substeps = 100000
)

// Following-error correction. A single scaled correction is injected,
// then held off for a number of segments to avoid oscillation.
const (
	stepCorrectionThreshold = 2.0  // steps of error before correcting
	stepCorrectionFactor    = 0.25 // fraction of the error to inject
	stepCorrectionMax       = 0.60 // steps, cap per injection
	stepCorrectionHoldoff   = 5    // segments between injections
)

const (
	// epsilonMinutes is the shortest segment the core will queue. A
	// single DDA tick is about 1.7e-7 minutes and must pass.
	epsilonMinutes = 1e-7

	// magic brackets the run and prep structures to catch memory
	// smashes from neighboring state.
	magic = 0x12ef
)

// Motor power timeout clamp, in seconds.
const (
	TimeoutSecondsMin = 0.1
	TimeoutSecondsMax = 4294967.0
)

var (
	// ErrMinimumTime is returned by PrepLine for segments shorter
	// than the minimum. The caller skips the segment; nothing is
	// queued.
	ErrMinimumTime = errors.New("stepper: segment time less than minimum")

	ErrPrepSync     = errors.New("stepper: prep buffer not owned by exec")
	ErrTimeInfinite = errors.New("stepper: segment time is infinite")
	ErrTimeNaN      = errors.New("stepper: segment time is NaN")
	ErrAssertion    = errors.New("stepper: state corruption detected")

	ErrPowerLevel = errors.New("stepper: power level out of range")
	ErrPowerMode  = errors.New("stepper: unsupported power mode")
)

// Direction of motor rotation. The value written to hardware is the
// logical direction XORed with the motor's polarity bit.
type Direction uint8

const (
	CW Direction = iota
	CCW
)

const initialDirection = CW

// PowerMode selects how a motor's power is managed when it is not
// stepping.
type PowerMode uint8

const (
	// PowerDisabled keeps the motor unpowered.
	PowerDisabled PowerMode = iota
	// PowerAlwaysOn keeps the motor energized whenever the machine is
	// on.
	PowerAlwaysOn
	// PowerInCycle keeps the motor energized while a machining cycle
	// is running, then times out.
	PowerInCycle
	// PowerWhenMoving energizes the motor only while it has steps to
	// run, then times out.
	PowerWhenMoving

	powerModeCount
)

// Planner produces motion segments and executes queued commands. All
// methods are invoked on the dispatch goroutine at interrupt priority
// and must be non-blocking and bounded.
type Planner interface {
	// ExecMove prepares the next segment into the prep buffer,
	// typically by calling back into PrepLine, PrepDwell or
	// PrepCommand. It reports whether a segment was prepared.
	ExecMove() bool
	// PlanMove runs one round of forward planning and reports whether
	// it made progress.
	PlanMove() bool
	// HasSlack reports whether the planner has spare time for
	// low-priority maintenance such as motor power management.
	HasSlack() bool
	// RunCommand executes a command staged with PrepCommand.
	RunCommand(cmd any)
	// SyncSteps synchronizes the encoder step counts to the runtime
	// position.
	SyncSteps()
}

// Encoder tracks per-motor step counts. Increment is called from the
// DDA tick and must be trivial.
type Encoder interface {
	// SetStepSign publishes the direction, +1 or -1, that Increment
	// counts in for the motor.
	SetStepSign(motor, sign int)
	// Increment counts one emitted step pulse.
	Increment(motor int)
	// Accumulate folds the steps counted so far into the motor's
	// segment position and zeroes the running count.
	Accumulate(motor int)
}

// Motor is one motor channel's hardware: step, direction and enable
// outputs plus the power state machine behind them. StepStart,
// StepEnd, SetDirection, Enable and MotionStopped are called from the
// tick and load handlers and must complete in well under one DDA
// period.
type Motor interface {
	Enable()
	Disable()
	// Disabled reports whether the motor's power mode prevents it
	// from being energized.
	Disabled() bool

	SetDirection(d Direction)
	SetMicrosteps(n int)
	SetPowerMode(mode PowerMode)
	// SetPowerLevel scales the motor current. level is in [0, 1].
	SetPowerLevel(level float64)
	SetPowerTimeout(seconds float64)

	// StepStart raises the step line; StepEnd lowers it.
	StepStart()
	StepEnd()

	// MotionStopped tells the motor it ran no steps this segment so
	// its idle timeout can begin.
	MotionStopped()
	// PeriodicCheck advances the power state machine. stopped reports
	// whether the whole runtime has come to rest.
	PeriodicCheck(stopped bool)
}

// Checker is implemented by motor driver chips that want periodic
// register refreshes from the power callback.
type Checker interface {
	Check()
}

// MotorConfig is the per-motor configuration surface. It is the unit
// the daemon persists in the machine profile.
type MotorConfig struct {
	// StepAngle is the full-step angle in degrees.
	StepAngle float64 `cbor:"1,keyasint"`
	// TravelPerRev is the axis travel per motor revolution, in units.
	TravelPerRev float64 `cbor:"2,keyasint"`
	Microsteps   int     `cbor:"3,keyasint"`
	// Polarity reverses the direction outputs when 1.
	Polarity   uint8     `cbor:"4,keyasint"`
	PowerMode  PowerMode `cbor:"5,keyasint"`
	PowerLevel float64   `cbor:"6,keyasint"`
}

// UnitsPerStep derives the axis distance of one microstep.
func (m *MotorConfig) UnitsPerStep() float64 {
	return (m.TravelPerRev * m.StepAngle) / (360 * float64(m.Microsteps))
}

func (m *MotorConfig) StepsPerUnit() float64 {
	return 1 / m.UnitsPerStep()
}

// Config is the whole motion core configuration.
type Config struct {
	Motors [MotorCount]MotorConfig `cbor:"1,keyasint"`
	// PowerTimeout is the idle timeout in seconds before a motor in a
	// timed power mode is de-energized.
	PowerTimeout float64 `cbor:"2,keyasint"`
}

// DefaultConfig returns the configuration for the reference machine.
func DefaultConfig() Config {
	cfg := Config{PowerTimeout: 2}
	for m := range cfg.Motors {
		cfg.Motors[m] = MotorConfig{
			StepAngle:    1.8,
			TravelPerRev: 40,
			Microsteps:   8,
			PowerMode:    PowerInCycle,
			PowerLevel:   0.375,
		}
	}
	return cfg
}

// Prep buffer ownership. Exactly one of the exec and load stages owns
// the buffer at any instant; the owner is the only stage allowed to
// touch it.
const (
	ownedByExec uint32 = iota
	ownedByLoader
)

type blockType uint8

const (
	blockNull blockType = iota
	blockLine
	blockDwell
	blockCommand
)

type runMotor struct {
	// substepIncrement is added to the accumulator each tick. Zero
	// means the motor is idle this segment.
	substepIncrement uint32
	// substepAccumulator holds the Bresenham phase, in
	// [-ddaTicksXSubsteps, 0] after every tick.
	substepAccumulator int32
}

type runState struct {
	magicStart uint16
	// downcount reaches zero exactly when the runtime is idle.
	downcount         atomic.Int32
	ddaTicksXSubsteps int32
	mot               [MotorCount]runMotor
	magicEnd          uint16
}

type prepMotor struct {
	substepIncrement uint32
	direction        Direction
	prevDirection    Direction
	stepSign         int8

	accumulatorCorrection     float64
	accumulatorCorrectionFlag bool

	correctedSteps    float64
	correctionHoldoff int
	prevSegmentTime   float64
}

type prepState struct {
	magicStart  uint16
	blockType   blockType
	bufferState atomic.Uint32
	ddaTicks    int32
	// ddaTicksXSubsteps is the accumulator depth, dda ticks times
	// Substeps.
	ddaTicksXSubsteps int32
	cmd               any
	mot               [MotorCount]prepMotor
	magicEnd          uint16
}

// Controller is the motion execution core. Create one with New; it
// persists for the life of the process.
type Controller struct {
	cfg     Config
	planner Planner
	enc     Encoder
	motors  [MotorCount]Motor
	chips   []Checker

	// panicf reports unrecoverable internal errors.
	panicf func(error)

	ic    *irq.Controller
	dda   timer
	dwell timer

	run runState
	pre prepState
}

// New wires a Controller to its collaborators and registers its
// handlers with the interrupt controller. The controller starts in
// the reset state: timers stopped, prep buffer owned by exec.
func New(ic *irq.Controller, p Planner, e Encoder, motors [MotorCount]Motor) *Controller {
	c := &Controller{
		cfg:     DefaultConfig(),
		planner: p,
		enc:     e,
		motors:  motors,
		panicf:  func(err error) { panic(err) },
		ic:      ic,
	}
	c.run.magicStart = magic
	c.run.magicEnd = magic
	c.pre.magicStart = magic
	c.pre.magicEnd = magic

	ic.Handle(irq.LineDDA, c.ddaTick)
	ic.Handle(irq.LineDwell, c.dwellTick)
	ic.Handle(irq.LineLoad, c.loadMove)
	ic.Handle(irq.LineExec, c.execMove)
	ic.Handle(irq.LinePlan, c.planMove)

	for m := range c.motors {
		c.motors[m].SetPowerMode(c.cfg.Motors[m].PowerMode)
		c.motors[m].SetPowerLevel(c.cfg.Motors[m].PowerLevel)
		c.motors[m].SetPowerTimeout(c.cfg.PowerTimeout)
	}

	c.Reset()
	return c
}

// OnPanic replaces the handler for unrecoverable internal errors. The
// default handler is the builtin panic; a daemon can install a hook
// that reports the error before halting motion.
func (c *Controller) OnPanic(fn func(error)) {
	c.panicf = fn
}

// AddChip registers a motor driver chip for periodic register checks
// from PowerCallback.
func (c *Controller) AddChip(ch Checker) {
	c.chips = append(c.chips, ch)
}

// Reset stops all movement and returns the core to a known state.
// The encoder is synchronized to the runtime position.
func (c *Controller) Reset() {
	c.dda.stop()
	c.dwell.stop()
	c.run.downcount.Store(0)
	c.pre.bufferState.Store(ownedByExec)
	for m := range c.pre.mot {
		c.pre.mot[m].direction = initialDirection
		c.pre.mot[m].prevDirection = initialDirection
		c.pre.mot[m].correctedSteps = 0
		c.run.mot[m].substepAccumulator = 0
	}
	c.planner.SyncSteps()
}

// Busy reports whether the runtime is stepping out a segment or
// dwell.
func (c *Controller) Busy() bool {
	return c.run.downcount.Load() != 0
}

// CheckAssertions verifies the integrity sentinels around the run and
// prep state. A mismatch is unrecoverable and is routed to the panic
// handler.
func (c *Controller) CheckAssertions() error {
	if c.run.magicStart != magic || c.run.magicEnd != magic ||
		c.pre.magicStart != magic || c.pre.magicEnd != magic {
		return c.fail(ErrAssertion)
	}
	return nil
}

// CorrectedSteps returns the accumulated following-error correction
// injected on a motor, for diagnostics.
func (c *Controller) CorrectedSteps(motor int) float64 {
	return c.pre.mot[motor].correctedSteps
}

// Config returns a copy of the current configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

func (c *Controller) fail(err error) error {
	c.panicf(err)
	return err
}
