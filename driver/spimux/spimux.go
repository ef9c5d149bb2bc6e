// Package spimux shares one SPI bus between several motor driver
// chips, multiplexing their chip select lines.
//
// Chips queue fixed-size frames; a single bus goroutine shifts them
// out in order and invokes each frame's completion callback. A chip
// can hold the bus across several frames (a pipelined register read)
// by queueing non-ending frames; other chips' frames wait until the
// transaction ends.
package spimux

import (
	"log"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

type frame struct {
	dev    *Device
	tx, rx []byte
	end    bool
	done   func()
}

// Bus serializes frames from all attached devices onto one spi.Conn.
type Bus struct {
	conn   spi.Conn
	frames chan frame
}

// New starts a bus over conn. The caller keeps ownership of the port
// behind the conn.
func New(conn spi.Conn) *Bus {
	b := &Bus{
		conn: conn,
		// Deep enough for every chip's full register queue plus the
		// collect frames, so completion callbacks queueing follow-ups
		// never block the bus goroutine.
		frames: make(chan frame, 256),
	}
	go b.run()
	return b
}

// Close stops the bus goroutine. No frames may be queued after
// Close.
func (b *Bus) Close() {
	close(b.frames)
}

// Device attaches a chip behind the given chip select pin. The pin is
// driven high (deselected) immediately.
func (b *Bus) Device(cs gpio.PinOut) *Device {
	if err := cs.Out(gpio.High); err != nil {
		log.Printf("spimux: chip select %s: %v", cs, err)
	}
	return &Device{bus: b, cs: cs}
}

// Device is one chip's handle on the bus. It implements the driver
// chips' Bus contract.
type Device struct {
	bus *Bus
	cs  gpio.PinOut
}

// Queue schedules one full-duplex frame. done runs on the bus
// goroutine after rx is filled; it may queue follow-up frames.
func (d *Device) Queue(tx, rx []byte, end bool, done func()) {
	d.bus.frames <- frame{dev: d, tx: tx, rx: rx, end: end, done: done}
}

func (b *Bus) run() {
	// owner is the device holding an open transaction, if any.
	var owner *Device
	var waiting []frame
	for f := range b.frames {
		for {
			if owner != nil && f.dev != owner {
				waiting = append(waiting, f)
				break
			}
			b.transfer(f)
			if !f.end {
				owner = f.dev
				break
			}
			owner = nil
			if len(waiting) == 0 {
				break
			}
			f = waiting[0]
			waiting = waiting[1:]
		}
	}
}

// transfer shifts one frame out with the device selected. The chip
// select must rise between frames; the chip latches the access on the
// rising edge.
func (b *Bus) transfer(f frame) {
	f.dev.cs.Out(gpio.Low)
	if err := b.conn.Tx(f.tx, f.rx); err != nil {
		log.Printf("spimux: transfer: %v", err)
	}
	f.dev.cs.Out(gpio.High)
	if f.done != nil {
		f.done()
	}
}
