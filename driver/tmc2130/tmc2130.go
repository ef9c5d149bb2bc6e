// Package tmc2130 manages the register file of a TMC2130 stepper
// driver chip over SPI, without ever blocking the caller.
//
// The chip speaks 5-byte frames: an address byte (bit 7 set for
// writes) followed by a 32-bit big-endian payload. A read is
// pipelined by one transaction: the frame carrying a read address
// returns the previous access's data, so collecting a value takes a
// second frame whose own payload is ignored.
//
// Callers queue register accesses with ReadRegister and
// WriteRegister; the device pumps one frame at a time through its Bus
// and resumes from the bus completion callback.
package tmc2130

import (
	"encoding/binary"
	"sync"
	"time"
)

// Bus is the non-blocking transport to one chip. Queue schedules a
// full-duplex transfer; done is invoked from the bus completion
// context once rx holds the chip's response. A frame marked end
// finishes the chip's bus transaction, letting the bus service other
// chips.
//
// The tx and rx buffers belong to the bus from Queue until done runs.
// done must not be invoked synchronously from inside Queue.
type Bus interface {
	Queue(tx, rx []byte, end bool, done func())
}

const writeFlag = 0x80

// checkInterval is how often Check refreshes the monitoring
// registers.
const checkInterval = 100 * time.Millisecond

// queueSize bounds the pending register accesses per chip.
const queueSize = 32

// regQueue is a circular buffer of register access tokens.
type regQueue struct {
	regs       [queueSize]uint8
	start, len int
}

func (q *regQueue) capacity() int {
	return len(q.regs) - q.len
}

func (q *regQueue) length() int {
	return q.len
}

func (q *regQueue) push(reg uint8) {
	if q.capacity() == 0 {
		panic("register queue overflow")
	}
	q.regs[(q.start+q.len)%len(q.regs)] = reg
	q.len++
}

func (q *regQueue) pop() uint8 {
	if q.len == 0 {
		panic("register queue underflow")
	}
	reg := q.regs[q.start]
	q.start = (q.start + 1) % len(q.regs)
	q.len--
	return reg
}

// Device is one TMC2130's cached register file and access state
// machine.
//
// The exported register fields are the host-order views of the chip
// registers. Set fields first, then call WriteRegister; the value is
// marshaled into the outgoing frame when the frame is submitted.
// Reads update the fields from the completion callback.
type Device struct {
	// Status is the status byte the chip returns in the address slot
	// of every response.
	Status uint8

	GConf      GConf
	GStat      GStat
	IOIn       IOIn
	IHoldIRun  IHoldIRun
	TPowerDown uint32
	TStep      uint32
	TPWMThrs   uint32
	TCoolThrs  uint32
	THigh      uint32
	XDirect    uint32
	VDCMin     uint32
	MSCnt      uint32
	ChopConf   ChopConf
	CoolConf   uint32
	DrvStatus  DrvStatus
	PWMConf    PWMConf

	bus Bus
	now func() time.Time

	mu sync.Mutex
	// transmitting guards the frame buffers: they are never mutated
	// while a transfer is in flight.
	transmitting bool
	// reading is the register whose value the next response carries,
	// or -1. It is -1 whenever the device is idle with an empty
	// queue.
	reading int16
	// readingOnly marks the in-flight frame as a pure collect frame
	// so its address is not mistaken for a new access.
	readingOnly bool
	queue       regQueue
	out, in     [5]byte
	nextCheck   time.Time
}

func New(bus Bus) *Device {
	return &Device{
		bus:     bus,
		now:     time.Now,
		reading: -1,
	}
}

// ReadRegister queues a read access. The register's field is updated
// once both the request and collect frames have completed.
func (d *Device) ReadRegister(reg uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue.push(reg &^ writeFlag)
	d.pump()
}

// WriteRegister queues a write access of the register's current field
// value.
func (d *Device) WriteRegister(reg uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue.push(reg | writeFlag)
	d.pump()
}

// pump submits the next frame if the bus side is idle. Callers must
// hold mu.
func (d *Device) pump() {
	if d.transmitting || (d.queue.length() == 0 && d.reading == -1) {
		return
	}
	d.transmitting = true

	var next uint8
	if d.queue.length() > 0 {
		next = d.queue.pop()
		if next&writeFlag != 0 {
			d.prepWrite(next &^ writeFlag)
		}
	} else {
		// Nothing queued but a read is pipelined: send a pure collect
		// frame addressed to the same register to clock in its value.
		next = uint8(d.reading)
		d.readingOnly = true
	}
	if next&writeFlag == 0 {
		// Read frames carry no data.
		binary.BigEndian.PutUint32(d.out[1:], 0)
	}
	d.out[0] = next

	// A read request needs a follow-up frame, so hold the bus
	// transaction open; everything else ends it.
	end := next&writeFlag != 0 || d.readingOnly
	d.bus.Queue(d.out[:], d.in[:], end, d.transferDone)
}

// transferDone resumes the state machine from the bus completion
// context.
func (d *Device) transferDone() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Status = d.in[0]
	if d.reading != -1 {
		d.postRead(uint8(d.reading), binary.BigEndian.Uint32(d.in[1:]))
		d.reading = -1
	}
	// If the completed frame requested a read, remember it so the
	// next frame collects the response.
	if !d.readingOnly && d.out[0]&writeFlag == 0 {
		d.reading = int16(d.out[0])
	}
	d.readingOnly = false
	d.transmitting = false
	d.pump()
}

// prepWrite marshals a register's field value into the outgoing
// payload, big-endian.
func (d *Device) prepWrite(reg uint8) {
	var v uint32
	switch reg {
	case GCONF:
		v = d.GConf.pack()
	case IHOLD_IRUN:
		v = d.IHoldIRun.pack()
	case TPOWERDOWN:
		v = d.TPowerDown
	case TPWMTHRS:
		v = d.TPWMThrs
	case TCOOLTHRS:
		v = d.TCoolThrs
	case THIGH:
		v = d.THigh
	case XDIRECT:
		v = d.XDirect
	case VDCMIN:
		v = d.VDCMin
	case CHOPCONF:
		v = d.ChopConf.pack()
	case PWMCONF:
		v = d.PWMConf.pack()
	}
	binary.BigEndian.PutUint32(d.out[1:], v)
}

// postRead dispatches a collected payload to its register's decoder.
func (d *Device) postRead(reg uint8, v uint32) {
	switch reg {
	case GCONF:
		d.GConf.unpack(v)
	case GSTAT:
		d.GStat.unpack(v)
	case IOIN:
		d.IOIn.unpack(v)
	case TSTEP:
		d.TStep = v
	case XDIRECT:
		d.XDirect = v
	case MSCNT:
		d.MSCnt = v
	case CHOPCONF:
		d.ChopConf.unpack(v)
	case COOLCONF:
		d.CoolConf = v
	case DRV_STATUS:
		d.DrvStatus.unpack(v)
	}
}

// Init writes the power-on configuration and arms the periodic
// check. The writes stream out back to back; Init itself does not
// wait for them.
func (d *Device) Init() {
	d.IHoldIRun = IHoldIRun{IHold: 7, IRun: 30, IHoldDelay: 7}
	d.WriteRegister(IHOLD_IRUN)

	d.TPowerDown = 256
	d.WriteRegister(TPOWERDOWN)

	d.XDirect = 0
	d.WriteRegister(XDIRECT)

	d.VDCMin = 0
	d.WriteRegister(VDCMIN)

	d.GConf.EnPWMMode = true
	d.WriteRegister(GCONF)

	d.ChopConf.unpack(0x030100c5)
	d.ChopConf.Toff = 5
	d.ChopConf.Hstrt = 4
	d.ChopConf.Hend = 1
	d.ChopConf.Tfd3 = false
	d.ChopConf.Disfdcc = false
	d.ChopConf.Rndtf = false
	d.ChopConf.Chm = false
	d.ChopConf.Tbl = 2
	d.ChopConf.Vsense = true
	d.ChopConf.Vhighfs = false
	d.ChopConf.Vhighchm = false
	d.ChopConf.Sync = 0
	d.ChopConf.Mres = 3
	d.ChopConf.Intpol = false
	d.ChopConf.Dedge = false
	d.ChopConf.Diss2g = false
	d.WriteRegister(CHOPCONF)

	d.PWMConf = PWMConf{PWMAmpl: 200, PWMGrad: 1, PWMAutoscale: true}
	d.WriteRegister(PWMCONF)

	d.ReadRegister(IOIN)
	d.ReadRegister(MSCNT)

	d.nextCheck = d.now().Add(checkInterval)
}

// Check refreshes the monitoring registers if the check interval has
// elapsed, and rearms the interval. It is cheap to call often.
func (d *Device) Check() {
	if d.now().Before(d.nextCheck) {
		return
	}
	d.nextCheck = d.now().Add(checkInterval)
	d.ReadRegister(IOIN)
	d.ReadRegister(MSCNT)
	d.ReadRegister(DRV_STATUS)
}
