package imu

import (
	"math"

	"github.com/golang/geo/r3"
)

const (
	// GyroOnlySpeed is the speed in km/h from which the accelerometer is ignored
	GyroOnlySpeed = 10.0

	gyroWeightStill = 0.98
	gyroWeightSlow  = 0.80
)

// GyroWeight returns the complementary filter weight of the gyroscope for the
// given speed in km/h. At or above GyroOnlySpeed the gyroscope is trusted
// alone; below it the weight goes linearly from 0.80 up to 0.98 at standstill.
func GyroWeight(speed float64) float64 {
	speed = math.Abs(speed)
	if math.IsNaN(speed) || speed >= GyroOnlySpeed {
		return 1.0
	}
	return gyroWeightStill - (gyroWeightStill-gyroWeightSlow)*speed/GyroOnlySpeed
}

// Blend advances the previous orientation by dt seconds of gyroscope rate
// (°/s) and fuses pitch and roll with the accelerometer tilt (g). Yaw is the
// integrated gyroscope rate only.
func Blend(prev Angles, accel, gyro r3.Vector, dt, weight float64) Angles {
	accelPitch := degrees(math.Atan2(accel.Y, accel.Z))
	accelRoll := degrees(math.Atan2(accel.X, accel.Z))

	gyroPitch := prev.Pitch + gyro.X*dt
	gyroRoll := prev.Roll - gyro.Y*dt
	gyroYaw := prev.Yaw + gyro.Z*dt

	return Angles{
		Pitch: weight*gyroPitch + (1-weight)*accelPitch,
		Roll:  weight*gyroRoll + (1-weight)*accelRoll,
		Yaw:   gyroYaw,
	}
}
