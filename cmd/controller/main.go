// command controller runs the millhammer motion core against real
// hardware: six step/dir motor channels and five TMC2130 driver
// chips on a shared SPI bus.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"millhammer.com/driver/gpiostep"
	"millhammer.com/driver/spimux"
	"millhammer.com/driver/tmc2130"
	"millhammer.com/encoder"
	"millhammer.com/irq"
	"millhammer.com/stepper"
)

// Version is set by the Go linker with -ldflags='-X main.Version=...'.
var Version string

// The reference board: per-channel step/dir/enable pins, chip select
// pins for the driver chips. The sixth socket is step/dir only.
var motorPins = [stepper.MotorCount]struct {
	step, dir, enable string
	cs                string
}{
	{"GPIO17", "GPIO27", "GPIO22", "GPIO5"},
	{"GPIO23", "GPIO24", "GPIO25", "GPIO6"},
	{"GPIO16", "GPIO26", "GPIO12", "GPIO13"},
	{"GPIO20", "GPIO21", "GPIO18", "GPIO19"},
	{"GPIO14", "GPIO15", "GPIO4", "GPIO7"},
	{"GPIO10", "GPIO9", "GPIO11", ""},
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "controller: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))

	profilePath := flag.String("profile", "profile.cbor", "machine profile")
	consoleDev := flag.String("console", "", "serial console device")
	flag.Parse()

	if Version != "" {
		log.Printf("controller %s", Version)
	}

	if _, err := host.Init(); err != nil {
		return err
	}

	port, err := spireg.Open("")
	if err != nil {
		return fmt.Errorf("spi: %w", err)
	}
	defer port.Close()
	// The TMC2130 speaks SPI mode 3 at up to 4 MHz.
	conn, err := port.Connect(4*physic.MegaHertz, spi.Mode3, 8)
	if err != nil {
		return fmt.Errorf("spi: %w", err)
	}
	bus := spimux.New(conn)
	defer bus.Close()

	var motors [stepper.MotorCount]stepper.Motor
	var chips []*tmc2130.Device
	for m, pins := range motorPins {
		cfg := gpiostep.Config{
			Step:   pinByName(pins.step),
			Dir:    pinByName(pins.dir),
			Enable: pinByName(pins.enable),
		}
		motors[m] = gpiostep.New(cfg)
		if pins.cs != "" {
			chips = append(chips, tmc2130.New(bus.Device(pinByName(pins.cs))))
		}
	}

	ic := irq.New()
	enc := encoder.New()
	plan := newJogPlanner(enc)
	core := stepper.New(ic, plan, enc, motors)
	plan.core = core
	for _, chip := range chips {
		core.AddChip(chip)
		chip.Init()
	}

	cfg, err := loadProfile(*profilePath)
	if err != nil {
		log.Printf("profile: %v; using defaults", err)
		cfg = stepper.DefaultConfig()
	}
	if err := core.ApplyConfig(cfg); err != nil {
		return fmt.Errorf("profile: %w", err)
	}

	requests := make(chan func(), 16)
	if *consoleDev != "" {
		con, err := openConsole(*consoleDev, core, plan, enc, requests)
		if err != nil {
			log.Printf("console: %v", err)
		} else {
			defer con.Close()
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	tickLoop(core, ic, requests, quit)
	core.Deenergize()
	return saveProfile(*profilePath, core.Config())
}

func pinByName(name string) gpio.PinOut {
	p := gpioreg.ByName(name)
	if p == nil {
		log.Fatalf("controller: no pin %s", name)
	}
	return p
}

// tickLoop is the single-core main loop: it paces the hardware
// timers, dispatches the interrupt lines, and squeezes background
// work into the gaps. Everything the core touches runs on this
// goroutine.
func tickLoop(core *stepper.Controller, ic *irq.Controller, requests <-chan func(), quit <-chan os.Signal) {
	tuneRealtime()

	const (
		ddaPeriod   = time.Second / stepper.FrequencyDDA
		dwellPeriod = time.Second / stepper.FrequencyDwell
		powerEvery  = 50 * time.Millisecond
	)
	nextDDA := time.Now()
	nextDwell := nextDDA
	nextPower := nextDDA

	for {
		select {
		case <-quit:
			return
		case fn := <-requests:
			fn()
			ic.Dispatch()
			continue
		default:
		}

		now := time.Now()
		switch {
		case core.DDARunning():
			if !now.Before(nextDDA) {
				core.TickDDA()
				nextDDA = nextDDA.Add(ddaPeriod)
				// Don't try to replay ticks the kernel starved us of.
				if now.Sub(nextDDA) > time.Millisecond {
					nextDDA = now
				}
			}
		case core.DwellRunning():
			if !now.Before(nextDwell) {
				core.TickDwell()
				nextDwell = nextDwell.Add(dwellPeriod)
				if now.Sub(nextDwell) > 10*dwellPeriod {
					nextDwell = now
				}
			}
		default:
			nextDDA = now
			nextDwell = now
			time.Sleep(time.Millisecond)
		}
		ic.Dispatch()

		if !now.Before(nextPower) {
			nextPower = now.Add(powerEvery)
			core.PowerCallback()
		}
	}
}
