package imu

import "github.com/roman-kulish/rover-control/internal/bus"

// DefaultAddress is the MPU6050 address with AD0 low
const DefaultAddress = 0x68

const (
	regSmplrtDiv       = 0x19
	regConfig          = 0x1A
	regGyroConfig      = 0x1B
	regAccelConfig     = 0x1C
	regIntPinCfg       = 0x37
	regAccelXoutH      = 0x3B
	regSignalPathReset = 0x68
	regUserCtrl        = 0x6A
	regPwrMgmt1        = 0x6B
	regWhoAmI          = 0x75
)

const whoAmI = 0x68

// sample block: accel xyz, temperature, gyro xyz
const sampleBlockLen = 14

var (
	fieldClockSource = bus.Field{Reg: regPwrMgmt1, Bit: 0, Len: 3}
	fieldTempDisable = bus.Field{Reg: regPwrMgmt1, Bit: 3, Len: 1}
	fieldSleep       = bus.Field{Reg: regPwrMgmt1, Bit: 6, Len: 1}
	fieldBypass      = bus.Field{Reg: regIntPinCfg, Bit: 1, Len: 1}
	fieldGyroRange   = bus.Field{Reg: regGyroConfig, Bit: 3, Len: 2}
	fieldAccelRange  = bus.Field{Reg: regAccelConfig, Bit: 3, Len: 2}
	fieldDLPF        = bus.Field{Reg: regConfig, Bit: 0, Len: 3}
)

const clockPLLXGyro = 0x01

// AccelRange selects the accelerometer full-scale range
type AccelRange uint8

const (
	AccelRange2G AccelRange = iota
	AccelRange4G
	AccelRange8G
	AccelRange16G
)

// LSB per g
var accelScale = [...]float64{16384, 8192, 4096, 2048}

func (r AccelRange) valid() bool { return int(r) < len(accelScale) }

// GyroRange selects the gyroscope full-scale range
type GyroRange uint8

const (
	GyroRange250 GyroRange = iota
	GyroRange500
	GyroRange1000
	GyroRange2000
)

// LSB per °/s
var gyroScale = [...]float64{131, 65.5, 32.8, 16.4}

func (r GyroRange) valid() bool { return int(r) < len(gyroScale) }
