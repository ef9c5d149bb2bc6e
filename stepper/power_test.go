package stepper

import "testing"

type testChip struct {
	checks int
}

func (c *testChip) Check() { c.checks++ }

func TestPowerCallbackNeedsSlack(t *testing.T) {
	h := newHarness()
	chip := new(testChip)
	h.c.AddChip(chip)

	h.p.slack = false
	if h.c.PowerCallback() {
		t.Error("power callback ran while the planner was time constrained")
	}
	for m := range h.motors {
		if len(h.motors[m].checks) != 0 {
			t.Errorf("motor %d checked without planner slack", m+1)
		}
	}
	if chip.checks != 0 {
		t.Error("driver chip checked without planner slack")
	}
}

func TestPowerCallback(t *testing.T) {
	h := newHarness()
	chip := new(testChip)
	h.c.AddChip(chip)
	h.p.slack = true

	// Idle runtime, no staged segment: the machine has actually
	// stopped.
	if !h.c.PowerCallback() {
		t.Fatal("power callback did not run")
	}
	for m := range h.motors {
		if got := h.motors[m].checks; len(got) != 1 || !got[0] {
			t.Errorf("motor %d checks %v, expected [true]", m+1, got)
		}
	}
	if chip.checks != 1 {
		t.Errorf("driver chip checked %d times, expected 1", chip.checks)
	}

	// A staged segment means the machine hasn't stopped even though
	// the timers are idle.
	if err := h.c.PrepLine([MotorCount]float64{1}, [MotorCount]float64{}, minutes(4)); err != nil {
		t.Fatalf("PrepLine: %v", err)
	}
	h.c.PowerCallback()
	for m := range h.motors {
		got := h.motors[m].checks
		if len(got) != 2 || got[1] {
			t.Errorf("motor %d checks %v, expected [true false]", m+1, got)
		}
	}
}

func TestEnergize(t *testing.T) {
	h := newHarness()
	h.c.Energize(5)
	for m := range h.motors {
		if !h.motors[m].enabled {
			t.Errorf("motor %d not energized", m+1)
		}
		if h.motors[m].timeout != 5 {
			t.Errorf("motor %d timeout %v, expected 5", m+1, h.motors[m].timeout)
		}
	}
}

// A motor whose power mode reports it disabled is never energized;
// energizing it disables it again and returns. The behavior is odd
// but long-standing, and downstream power sequencing depends on the
// extra disable.
func TestEnergizeDisabledMotor(t *testing.T) {
	h := newHarness()
	if err := h.c.SetPowerMode(0, PowerDisabled); err != nil {
		t.Fatal(err)
	}
	h.motors[0].enabled = true // pretend something left it on

	h.c.Energize(0)

	if h.motors[0].enabled {
		t.Error("disabled-mode motor energized")
	}
	if !h.motors[1].enabled {
		t.Error("normal motor not energized")
	}
}

func TestDeenergize(t *testing.T) {
	h := newHarness()
	h.c.Energize(0)
	h.c.Deenergize()
	for m := range h.motors {
		if h.motors[m].enabled {
			t.Errorf("motor %d still energized", m+1)
		}
	}
}
