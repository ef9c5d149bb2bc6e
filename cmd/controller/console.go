package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/tarm/serial"

	"millhammer.com/encoder"
	"millhammer.com/stepper"
)

// console is a line-oriented diagnostic interface on a serial port.
// Commands run on the tick loop through the request channel; parse
// errors are reported from the reader before anything is queued.
type console struct {
	port io.ReadWriteCloser
}

func openConsole(dev string, core *stepper.Controller, plan *jogPlanner, enc *encoder.Encoder, requests chan<- func()) (*console, error) {
	port, err := serial.OpenPort(&serial.Config{Name: dev, Baud: 115200})
	if err != nil {
		return nil, err
	}
	c := &console{port: port}
	go c.read(core, plan, enc, requests)
	return c, nil
}

func (c *console) Close() {
	c.port.Close()
}

func (c *console) read(core *stepper.Controller, plan *jogPlanner, enc *encoder.Encoder, requests chan<- func()) {
	sc := bufio.NewScanner(c.port)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, err := c.parse(fields, core, plan, enc)
		if err != nil {
			fmt.Fprintf(c.port, "error: %v\n", err)
			continue
		}
		requests <- cmd
	}
	if err := sc.Err(); err != nil {
		log.Printf("console: %v", err)
	}
}

func (c *console) parse(fields []string, core *stepper.Controller, plan *jogPlanner, enc *encoder.Encoder) (func(), error) {
	w := c.port
	switch fields[0] {
	case "st": // status
		return func() {
			fmt.Fprintf(w, "busy %v\n", core.Busy())
			for m := 0; m < stepper.MotorCount; m++ {
				fmt.Fprintf(w, "m%d pos %.3f enc %d corr %.3f\n",
					m+1, plan.Position(m), enc.Steps(m), core.CorrectedSteps(m))
			}
		}, nil
	case "me": // energize
		return func() { core.Energize(0) }, nil
	case "md": // de-energize
		return func() { core.Deenergize() }, nil
	case "rs": // reset
		return func() {
			core.Reset()
			fmt.Fprintln(w, "reset")
		}, nil
	case "m1", "m2", "m3", "m4", "m5", "m6": // jog
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: %s <steps>", fields[0])
		}
		motor := int(fields[0][1] - '1')
		steps, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, err
		}
		return func() {
			plan.Jog(motor, steps)
			core.RequestExec()
		}, nil
	case "pl": // power level
		if len(fields) != 3 {
			return nil, fmt.Errorf("usage: pl <motor> <level>")
		}
		motor, err := strconv.Atoi(fields[1])
		if err != nil || motor < 1 || stepper.MotorCount < motor {
			return nil, fmt.Errorf("bad motor %q", fields[1])
		}
		level, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, err
		}
		return func() {
			if err := core.SetPowerLevel(motor-1, level); err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
			}
		}, nil
	case "mt": // motor timeout
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: mt <seconds>")
		}
		sec, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, err
		}
		return func() {
			fmt.Fprintf(w, "timeout %.1fs\n", core.SetPowerTimeout(sec))
		}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", fields[0])
	}
}
