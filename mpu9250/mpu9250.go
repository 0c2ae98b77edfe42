// Package mpu9250 reads gyro and accelerometer samples from an InvenSense
// MPU9250 over I2C.
package mpu9250

// Register setup follows the InvenSense DMP 6.1 drivers

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kidoman/embd"
	"github.com/rs/zerolog/log"

	"github.com/auggienanz/MAE144/sensors"
)

var sleep = time.Sleep

/*
MPU9250 represents an InvenSense MPU9250 chip polled at a fixed rate.
Samples are delivered on C; a sample the consumer isn't ready for is dropped.
*/
type MPU9250 struct {
	sensors.IMUSensor
	Address               byte
	i2cbus                embd.I2CBus
	scaleGyro, scaleAccel float64 // Sensor reading for value 2**15-1
	sampleRate            int
	c                     chan *sensors.IMUData
	cClose                chan struct{}
	done                  chan struct{}
}

/*
NewMPU9250 resets and configures the chip at address on i2cbus and starts
polling it at sampleRate Hz.  sensitivityGyro is the full scale in °/s and
sensitivityAccel the full scale in G.
*/
func NewMPU9250(i2cbus embd.I2CBus, address byte, sensitivityGyro, sensitivityAccel, sampleRate int) (*MPU9250, error) {
	if sampleRate < 4 || sampleRate > 1000 {
		return nil, fmt.Errorf("MPU9250 Error: %d Hz is not a valid sample rate", sampleRate)
	}
	mpu := &MPU9250{
		Address:    address,
		i2cbus:     i2cbus,
		sampleRate: sampleRate,
		c:          make(chan *sensors.IMUData, 1),
		cClose:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	mpu.C = mpu.c

	if err := mpu.i2cWrite(MPUREG_PWR_MGMT_1, BIT_H_RESET); err != nil {
		return nil, fmt.Errorf("MPU9250 Error resetting chip: %w", err)
	}
	sleep(100 * time.Millisecond)
	if err := mpu.i2cWrite(MPUREG_PWR_MGMT_1, 0x00); err != nil {
		return nil, fmt.Errorf("MPU9250 Error waking chip: %w", err)
	}
	id, err := mpu.i2cRead(MPUREG_WHOAMI)
	if err != nil {
		return nil, err
	}
	if id != WHOAMI_MPU9250 && id != WHOAMI_MPU9255 {
		return nil, fmt.Errorf("MPU9250 Error: unexpected WHOAMI %#x", id)
	}

	if err := mpu.SetGyroSensitivity(sensitivityGyro); err != nil {
		return nil, err
	}
	if err := mpu.SetAccelSensitivity(sensitivityAccel); err != nil {
		return nil, err
	}

	sampRate := byte(1000/sampleRate - 1)
	// LPF at half the sample rate
	if err := mpu.SetLPF(sampleRate / 2); err != nil {
		return nil, err
	}
	if err := mpu.SetSampleRate(sampRate); err != nil {
		return nil, err
	}
	if err := mpu.i2cWrite(MPUREG_INT_ENABLE, 0x00); err != nil {
		return nil, errors.New("MPU9250 Error disabling interrupts")
	}
	if err := mpu.i2cWrite(MPUREG_PWR_MGMT_1, INV_CLK_PLL); err != nil {
		return nil, errors.New("MPU9250 Error setting clock source")
	}
	// Turn on all gyro, all accel
	if err := mpu.i2cWrite(MPUREG_PWR_MGMT_2, 0x00); err != nil {
		return nil, errors.New("MPU9250 Error enabling sensors")
	}

	go mpu.readSensors()
	log.Info().Int("rate", sampleRate).Int("gyro_fs", sensitivityGyro).Int("accel_fs", sensitivityAccel).
		Msg("MPU9250 started")
	return mpu, nil
}

func (mpu *MPU9250) readSensors() {
	defer close(mpu.done)
	defer close(mpu.c)

	clock := time.NewTicker(time.Second / time.Duration(mpu.sampleRate))
	defer clock.Stop()

	var (
		buf     [burstLen]byte
		n       int
		dropped int
		last    time.Time
	)
	for {
		select {
		case <-mpu.cClose:
			return
		case t := <-clock.C:
			d := &sensors.IMUData{T: t}
			if !last.IsZero() {
				d.DT = t.Sub(last)
			}
			last = t
			if err := mpu.i2cbus.ReadFromReg(mpu.Address, MPUREG_ACCEL_XOUT_H, buf[:]); err != nil {
				d.GAError = fmt.Errorf("MPU9250 Error reading sensors: %w", err)
			} else {
				mpu.decode(buf[:], d)
				n++
				d.N = n
			}
			select {
			case mpu.c <- d:
			default:
				dropped++
				if dropped%1000 == 1 {
					log.Warn().Int("dropped", dropped).Msg("MPU9250 consumer is slow, dropping samples")
				}
			}
		}
	}
}

// decode converts a burst read starting at ACCEL_XOUT_H into d.
func (mpu *MPU9250) decode(b []byte, d *sensors.IMUData) {
	word := func(i int) float64 {
		return float64(int16(uint16(b[i])<<8 | uint16(b[i+1])))
	}
	d.A1 = word(0) * mpu.scaleAccel
	d.A2 = word(2) * mpu.scaleAccel
	d.A3 = word(4) * mpu.scaleAccel
	d.Temp = word(6)/333.87 + 21
	d.G1 = word(8) * mpu.scaleGyro
	d.G2 = word(10) * mpu.scaleGyro
	d.G3 = word(12) * mpu.scaleGyro
}

// Close stops polling and closes C.
func (mpu *MPU9250) Close() {
	select {
	case <-mpu.cClose:
	default:
		close(mpu.cClose)
	}
	<-mpu.done
}

func (mpu *MPU9250) SampleRate() int {
	return mpu.sampleRate
}

func (mpu *MPU9250) SetSampleRate(rate byte) error {
	if err := mpu.i2cWrite(MPUREG_SMPLRT_DIV, rate); err != nil {
		return fmt.Errorf("MPU9250 Error: couldn't set sample rate: %w", err)
	}
	return nil
}

// SetLPF sets the gyro and accelerometer low pass filters to the first
// supported cutoff at or below rate Hz.
func (mpu *MPU9250) SetLPF(rate int) error {
	var r byte
	switch {
	case rate >= 188:
		r = BITS_DLPF_CFG_188HZ
	case rate >= 98:
		r = BITS_DLPF_CFG_98HZ
	case rate >= 42:
		r = BITS_DLPF_CFG_42HZ
	case rate >= 20:
		r = BITS_DLPF_CFG_20HZ
	case rate >= 10:
		r = BITS_DLPF_CFG_10HZ
	default:
		r = BITS_DLPF_CFG_5HZ
	}
	if err := mpu.i2cWrite(MPUREG_CONFIG, r); err != nil {
		return fmt.Errorf("MPU9250 Error: couldn't set LPF: %w", err)
	}
	if err := mpu.i2cWrite(MPUREG_ACCEL_CONFIG_2, r); err != nil {
		return fmt.Errorf("MPU9250 Error: couldn't set accel LPF: %w", err)
	}
	return nil
}

func (mpu *MPU9250) SetGyroSensitivity(sensitivityGyro int) error {
	var sensGyro byte
	switch sensitivityGyro {
	case 2000:
		sensGyro = BITS_FS_2000DPS
	case 1000:
		sensGyro = BITS_FS_1000DPS
	case 500:
		sensGyro = BITS_FS_500DPS
	case 250:
		sensGyro = BITS_FS_250DPS
	default:
		return fmt.Errorf("MPU9250 Error: %d is not a valid gyro sensitivity", sensitivityGyro)
	}
	if err := mpu.i2cWrite(MPUREG_GYRO_CONFIG, sensGyro); err != nil {
		return fmt.Errorf("MPU9250 Error: couldn't set gyro sensitivity: %w", err)
	}
	mpu.scaleGyro = float64(sensitivityGyro) / float64(math.MaxInt16)
	return nil
}

func (mpu *MPU9250) SetAccelSensitivity(sensitivityAccel int) error {
	var sensAccel byte
	switch sensitivityAccel {
	case 16:
		sensAccel = BITS_FS_16G
	case 8:
		sensAccel = BITS_FS_8G
	case 4:
		sensAccel = BITS_FS_4G
	case 2:
		sensAccel = BITS_FS_2G
	default:
		return fmt.Errorf("MPU9250 Error: %d is not a valid accel sensitivity", sensitivityAccel)
	}
	if err := mpu.i2cWrite(MPUREG_ACCEL_CONFIG, sensAccel); err != nil {
		return fmt.Errorf("MPU9250 Error: couldn't set accel sensitivity: %w", err)
	}
	mpu.scaleAccel = float64(sensitivityAccel) / float64(math.MaxInt16)
	return nil
}

func (mpu *MPU9250) i2cWrite(register, value byte) error {
	if err := mpu.i2cbus.WriteByteToReg(mpu.Address, register, value); err != nil {
		return fmt.Errorf("MPU9250 Error writing %X to %X: %w", value, register, err)
	}
	sleep(time.Millisecond)
	return nil
}

func (mpu *MPU9250) i2cRead(register byte) (byte, error) {
	v, err := mpu.i2cbus.ReadByteFromReg(mpu.Address, register)
	if err != nil {
		return 0, fmt.Errorf("MPU9250 Error reading %X: %w", register, err)
	}
	return v, nil
}
