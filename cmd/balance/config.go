package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/auggienanz/MAE144/balance"
	"github.com/auggienanz/MAE144/balanceweb"
	"github.com/auggienanz/MAE144/cape"
	"github.com/auggienanz/MAE144/sim"
)

// appConfig is the robot's hardware description and runtime options.  The
// controller design itself lives in balance.DefaultConfig.
type appConfig struct {
	LogLevel string `yaml:"log_level"`
	CSV      string `yaml:"csv"`

	IMU struct {
		Bus     byte `yaml:"bus"`
		Address byte `yaml:"address"`
		GyroFS  int  `yaml:"gyro_fs"`  // °/s
		AccelFS int  `yaml:"accel_fs"` // G
	} `yaml:"imu"`

	Motors struct {
		PeriodNs int              `yaml:"period_ns"`
		Polarity [2]float64       `yaml:"polarity"`
		Channels []cape.MotorPins `yaml:"channels"`
	} `yaml:"motors"`

	Encoders struct {
		CountsPerRev float64          `yaml:"counts_per_rev"`
		Polarity     [2]float64       `yaml:"polarity"`
		Left         cape.EncoderPins `yaml:"left"`
		Right        cape.EncoderPins `yaml:"right"`
	} `yaml:"encoders"`

	Mount struct {
		Offset float64 `yaml:"offset"` // Tilt of the balance point, rad

		// Sensor to body rotation, rad
		Roll  float64 `yaml:"roll"`
		Pitch float64 `yaml:"pitch"`
		Yaw   float64 `yaml:"yaw"`
	} `yaml:"mount"`

	Calibration struct {
		DB      string `yaml:"db"`
		Key     string `yaml:"key"`
		Samples int    `yaml:"samples"`
	} `yaml:"calibration"`

	Telemetry struct {
		Addr   string                 `yaml:"addr"`
		Period time.Duration          `yaml:"period"`
		MQTT   *balanceweb.MQTTConfig `yaml:"mqtt"`
	} `yaml:"telemetry"`

	Sim struct {
		InitialTilt float64 `yaml:"initial_tilt"`
		GyroNoise   float64 `yaml:"gyro_noise"`
		GyroBias    float64 `yaml:"gyro_bias"`
		AccelNoise  float64 `yaml:"accel_noise"`
	} `yaml:"sim"`
}

func defaultAppConfig() *appConfig {
	c := new(appConfig)
	d := balance.DefaultConfig()
	c.LogLevel = "info"
	c.IMU.Bus = 2
	c.IMU.Address = 0x68
	c.IMU.GyroFS = 500
	c.IMU.AccelFS = 4
	c.Motors.PeriodNs = 50000
	c.Motors.Polarity = d.MotorPolarity
	c.Motors.Channels = []cape.MotorPins{
		{PWM: "P9_14", In1: "P8_15", In2: "P8_16"},
		{PWM: "P9_16", In1: "P8_14", In2: "P8_17"},
	}
	c.Encoders.CountsPerRev = d.CountsPerRev
	c.Encoders.Polarity = d.EncoderPolarity
	c.Encoders.Left = cape.EncoderPins{A: "P8_35", B: "P8_33"}
	c.Encoders.Right = cape.EncoderPins{A: "P8_12", B: "P8_11"}
	c.Mount.Offset = d.MountOffset
	c.Calibration.Key = "mpu9250"
	c.Calibration.Samples = 1000
	c.Telemetry.Period = time.Second / balance.SlowRateHz
	return c
}

// loadConfig reads path over the defaults.  An empty path means defaults only.
func loadConfig(path string) (*appConfig, error) {
	c := defaultAppConfig()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	if len(c.Motors.Channels) != 2 {
		return nil, fmt.Errorf("%s: need 2 motor channels, have %d", path, len(c.Motors.Channels))
	}
	if c.Telemetry.Period <= 0 {
		return nil, fmt.Errorf("%s: bad telemetry period %v", path, c.Telemetry.Period)
	}
	return c, nil
}

// controllerConfig returns the controller design with the hardware
// constants from c.
func (c *appConfig) controllerConfig() (balance.Config, error) {
	cfg := balance.DefaultConfig()
	cfg.MotorPolarity = c.Motors.Polarity
	cfg.EncoderPolarity = c.Encoders.Polarity
	cfg.CountsPerRev = c.Encoders.CountsPerRev
	cfg.MountOffset = c.Mount.Offset
	return cfg, cfg.Validate()
}

func (c *appConfig) mounting() *balance.Mounting {
	if c.Mount.Roll == 0 && c.Mount.Pitch == 0 && c.Mount.Yaw == 0 {
		return nil
	}
	return balance.NewMounting(c.Mount.Roll, c.Mount.Pitch, c.Mount.Yaw)
}

func (c *appConfig) simParams(cfg balance.Config) sim.Params {
	p := sim.DefaultParams()
	p.DT = 1 / cfg.FastRateHz
	p.MountOffset = cfg.MountOffset
	p.MotorPolarity = cfg.MotorPolarity
	p.EncoderPolarity = cfg.EncoderPolarity
	p.CountsPerRev = cfg.CountsPerRev
	p.GyroNoise = c.Sim.GyroNoise
	p.GyroBias = c.Sim.GyroBias
	p.AccelNoise = c.Sim.AccelNoise
	p.Seed = time.Now().UnixNano()
	return p
}
