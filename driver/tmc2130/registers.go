package tmc2130

// Register addresses. Bit 7 of the address byte on the wire selects a
// write access.
const (
	GCONF      = 0x00
	GSTAT      = 0x01
	IOIN       = 0x04
	IHOLD_IRUN = 0x10
	TPOWERDOWN = 0x11
	TSTEP      = 0x12
	TPWMTHRS   = 0x13
	TCOOLTHRS  = 0x14
	THIGH      = 0x15
	XDIRECT    = 0x2d
	VDCMIN     = 0x33
	MSCNT      = 0x6a
	CHOPCONF   = 0x6c
	COOLCONF   = 0x6d
	DRV_STATUS = 0x6f
	PWMCONF    = 0x70
)

// The structured registers below are host-order views of the chip's
// 32-bit words. pack and unpack are the only places that know the bit
// layout; the wire payload is always the packed word in big-endian
// byte order.

func bit(v bool, n uint) uint32 {
	if v {
		return 1 << n
	}
	return 0
}

// GConf is the global configuration register (read/write).
type GConf struct {
	IScaleAnalog      bool
	InternalRsense    bool
	EnPWMMode         bool
	EncCommutation    bool
	Shaft             bool
	Diag0Error        bool
	Diag0Otpw         bool
	Diag0Stall        bool
	Diag1Stall        bool
	Diag1Index        bool
	Diag1Onstate      bool
	Diag1StepsSkipped bool
	Diag0IntPushpull  bool
	Diag1Pushpull     bool
	SmallHysteresis   bool
}

func (r *GConf) pack() uint32 {
	return bit(r.IScaleAnalog, 0) |
		bit(r.InternalRsense, 1) |
		bit(r.EnPWMMode, 2) |
		bit(r.EncCommutation, 3) |
		bit(r.Shaft, 4) |
		bit(r.Diag0Error, 5) |
		bit(r.Diag0Otpw, 6) |
		bit(r.Diag0Stall, 7) |
		bit(r.Diag1Stall, 8) |
		bit(r.Diag1Index, 9) |
		bit(r.Diag1Onstate, 10) |
		bit(r.Diag1StepsSkipped, 11) |
		bit(r.Diag0IntPushpull, 12) |
		bit(r.Diag1Pushpull, 13) |
		bit(r.SmallHysteresis, 14)
}

func (r *GConf) unpack(v uint32) {
	r.IScaleAnalog = v&(1<<0) != 0
	r.InternalRsense = v&(1<<1) != 0
	r.EnPWMMode = v&(1<<2) != 0
	r.EncCommutation = v&(1<<3) != 0
	r.Shaft = v&(1<<4) != 0
	r.Diag0Error = v&(1<<5) != 0
	r.Diag0Otpw = v&(1<<6) != 0
	r.Diag0Stall = v&(1<<7) != 0
	r.Diag1Stall = v&(1<<8) != 0
	r.Diag1Index = v&(1<<9) != 0
	r.Diag1Onstate = v&(1<<10) != 0
	r.Diag1StepsSkipped = v&(1<<11) != 0
	r.Diag0IntPushpull = v&(1<<12) != 0
	r.Diag1Pushpull = v&(1<<13) != 0
	r.SmallHysteresis = v&(1<<14) != 0
}

// GStat is the global status register. It clears on read.
type GStat struct {
	Reset  bool
	DrvErr bool
	UvCp   bool
}

func (r *GStat) unpack(v uint32) {
	r.Reset = v&(1<<0) != 0
	r.DrvErr = v&(1<<1) != 0
	r.UvCp = v&(1<<2) != 0
}

// IOIn reflects the chip's input pins (read only). Version reads 0x11
// on this chip generation.
type IOIn struct {
	Step       bool
	Dir        bool
	DcenCfg4   bool
	DcinCfg5   bool
	DrvEnnCfg6 bool
	Dco        bool
	Version    uint8
}

func (r *IOIn) unpack(v uint32) {
	r.Step = v&(1<<0) != 0
	r.Dir = v&(1<<1) != 0
	r.DcenCfg4 = v&(1<<2) != 0
	r.DcinCfg5 = v&(1<<3) != 0
	r.DrvEnnCfg6 = v&(1<<4) != 0
	r.Dco = v&(1<<5) != 0
	r.Version = uint8(v >> 24)
}

// IHoldIRun sets the standstill and run currents (write only).
type IHoldIRun struct {
	IHold      uint8 // 5 bits
	IRun       uint8 // 5 bits
	IHoldDelay uint8 // 4 bits
}

func (r *IHoldIRun) pack() uint32 {
	return uint32(r.IHold&0x1f) |
		uint32(r.IRun&0x1f)<<8 |
		uint32(r.IHoldDelay&0x0f)<<16
}

// ChopConf is the chopper configuration register (read/write). Hstrt
// and Hend double as TFD and OFFSET when Chm is set.
type ChopConf struct {
	Toff     uint8 // 4 bits
	Hstrt    uint8 // 3 bits
	Hend     uint8 // 4 bits
	Tfd3     bool
	Disfdcc  bool
	Rndtf    bool
	Chm      bool
	Tbl      uint8 // 2 bits
	Vsense   bool
	Vhighfs  bool
	Vhighchm bool
	Sync     uint8 // 4 bits
	Mres     uint8 // 4 bits
	Intpol   bool
	Dedge    bool
	Diss2g   bool
}

func (r *ChopConf) pack() uint32 {
	return uint32(r.Toff&0x0f) |
		uint32(r.Hstrt&0x07)<<4 |
		uint32(r.Hend&0x0f)<<7 |
		bit(r.Tfd3, 11) |
		bit(r.Disfdcc, 12) |
		bit(r.Rndtf, 13) |
		bit(r.Chm, 14) |
		uint32(r.Tbl&0x03)<<15 |
		bit(r.Vsense, 17) |
		bit(r.Vhighfs, 18) |
		bit(r.Vhighchm, 19) |
		uint32(r.Sync&0x0f)<<20 |
		uint32(r.Mres&0x0f)<<24 |
		bit(r.Intpol, 28) |
		bit(r.Dedge, 29) |
		bit(r.Diss2g, 30)
}

func (r *ChopConf) unpack(v uint32) {
	r.Toff = uint8(v & 0x0f)
	r.Hstrt = uint8(v >> 4 & 0x07)
	r.Hend = uint8(v >> 7 & 0x0f)
	r.Tfd3 = v&(1<<11) != 0
	r.Disfdcc = v&(1<<12) != 0
	r.Rndtf = v&(1<<13) != 0
	r.Chm = v&(1<<14) != 0
	r.Tbl = uint8(v >> 15 & 0x03)
	r.Vsense = v&(1<<17) != 0
	r.Vhighfs = v&(1<<18) != 0
	r.Vhighchm = v&(1<<19) != 0
	r.Sync = uint8(v >> 20 & 0x0f)
	r.Mres = uint8(v >> 24 & 0x0f)
	r.Intpol = v&(1<<28) != 0
	r.Dedge = v&(1<<29) != 0
	r.Diss2g = v&(1<<30) != 0
}

// DrvStatus is the driver status register (read only).
type DrvStatus struct {
	SGResult   uint16 // 10 bits
	Fsactive   bool
	CSActual   uint8 // 5 bits
	StallGuard bool
	Ot         bool
	Otpw       bool
	S2ga       bool
	S2gb       bool
	Ola        bool
	Olb        bool
	Stst       bool
}

func (r *DrvStatus) unpack(v uint32) {
	r.SGResult = uint16(v & 0x3ff)
	r.Fsactive = v&(1<<15) != 0
	r.CSActual = uint8(v >> 16 & 0x1f)
	r.StallGuard = v&(1<<24) != 0
	r.Ot = v&(1<<25) != 0
	r.Otpw = v&(1<<26) != 0
	r.S2ga = v&(1<<27) != 0
	r.S2gb = v&(1<<28) != 0
	r.Ola = v&(1<<29) != 0
	r.Olb = v&(1<<30) != 0
	r.Stst = v&(1<<31) != 0
}

// PWMConf configures stealth chopping (write only).
type PWMConf struct {
	PWMAmpl      uint8
	PWMGrad      uint8
	PWMFreq      uint8 // 2 bits
	PWMAutoscale bool
	PWMSymmetric bool
	Freewheel    uint8 // 2 bits
}

func (r *PWMConf) pack() uint32 {
	return uint32(r.PWMAmpl) |
		uint32(r.PWMGrad)<<8 |
		uint32(r.PWMFreq&0x03)<<16 |
		bit(r.PWMAutoscale, 18) |
		bit(r.PWMSymmetric, 19) |
		uint32(r.Freewheel&0x03)<<20
}
