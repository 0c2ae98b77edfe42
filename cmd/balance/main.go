/*
Balance keeps a two-wheeled robot upright.

It reads the MPU9250 at 200 Hz, runs the tilt and wheel position loops and
drives the motors through the cape, or does the same against a simulated
robot with -sim.  With -calibrate it measures the gyro biases while the
robot is held still at its balance point and stores them for later runs.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kidoman/embd"
	_ "github.com/kidoman/embd/host/all" // Registers the BeagleBone and Raspberry Pi drivers
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/auggienanz/MAE144/balance"
	"github.com/auggienanz/MAE144/balanceweb"
	"github.com/auggienanz/MAE144/cape"
	"github.com/auggienanz/MAE144/mpu9250"
	"github.com/auggienanz/MAE144/sensors"
	"github.com/auggienanz/MAE144/sim"
)

// hardware is whatever the controller runs against.
type hardware struct {
	imu      <-chan *sensors.IMUData
	motors   sensors.Motors
	encoders sensors.Encoders
	close    func()
}

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		simulate   = flag.Bool("sim", false, "Run against a simulated robot")
		calibrate  = flag.Bool("calibrate", false, "Measure and store the gyro biases, then exit")
		addr       = flag.String("addr", "", "Telemetry web server address, e.g. :8080 (overrides config)")
		csvPath    = flag.String("csv", "", "Write a CSV row per fast tick to this file (overrides config)")
		logLevel   = flag.String("log-level", "", "Log level (overrides config)")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.Telemetry.Addr = *addr
	}
	if *csvPath != "" {
		cfg.CSV = *csvPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *simulate, *calibrate); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Balance exited")
	}
	log.Info().Msg("Balance stopped")
}

func setupLogging(level string) error {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(l)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli})
	}
	return nil
}

func run(ctx context.Context, app *appConfig, simulate, calibrate bool) error {
	cfg, err := app.controllerConfig()
	if err != nil {
		return err
	}

	var hw *hardware
	if simulate {
		hw, err = openSim(ctx, app, cfg)
	} else {
		hw, err = openHardware(app, cfg)
	}
	if err != nil {
		return err
	}
	defer hw.close()

	var store *sensors.CalStore
	if app.Calibration.DB != "" {
		if store, err = sensors.OpenCalStore(app.Calibration.DB); err != nil {
			return err
		}
		defer store.Close()
	}

	if calibrate {
		log.Info().Int("samples", app.Calibration.Samples).Msg("Calibrating, hold the robot still at its balance point")
		d, err := balance.Calibrate(ctx, hw.imu, app.Calibration.Samples)
		if err != nil {
			return err
		}
		if store == nil {
			log.Warn().Msg("No calibration db configured, biases not saved")
			return nil
		}
		return store.Save(app.Calibration.Key, d)
	}

	c, err := balance.NewController(cfg, hw.motors, hw.encoders)
	if err != nil {
		return err
	}
	if store != nil {
		d, err := store.Load(app.Calibration.Key)
		switch {
		case errors.Is(err, sensors.ErrNoCalibration):
			log.Warn().Str("key", app.Calibration.Key).Msg("No stored calibration, run with -calibrate")
		case err != nil:
			return err
		default:
			log.Info().Time("calibrated", d.T).Msg("Using stored calibration")
			c.SetCalibration(d)
		}
	}
	if m := app.mounting(); m != nil {
		c.SetMounting(m)
	}
	if app.CSV != "" {
		l, err := balance.CreateTickLogger(app.CSV)
		if err != nil {
			return err
		}
		c.SetTickLogger(l)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx, hw.imu) })

	var pubs []balanceweb.Publisher
	if app.Telemetry.MQTT != nil {
		p, err := balanceweb.NewMQTTPublisher(*app.Telemetry.MQTT)
		if err != nil {
			log.Warn().Err(err).Msg("MQTT telemetry disabled")
		} else {
			defer p.Close()
			pubs = append(pubs, p)
		}
	}
	var room *balanceweb.Room
	if app.Telemetry.Addr != "" {
		room = balanceweb.NewRoom()
		g.Go(func() error { room.Run(gctx); return nil })
		g.Go(func() error { return balanceweb.Serve(gctx, app.Telemetry.Addr, balanceweb.NewRouter(c, room)) })
	}
	if room != nil || len(pubs) > 0 {
		tel := balanceweb.NewTelemetry(c, room, pubs...)
		g.Go(func() error { return tel.Run(gctx, app.Telemetry.Period) })
	}

	log.Info().Bool("sim", simulate).Msg("Balance running")
	return g.Wait()
}

func openSim(ctx context.Context, app *appConfig, cfg balance.Config) (*hardware, error) {
	r, err := sim.NewRobot(app.simParams(cfg), app.Sim.InitialTilt)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	return &hardware{imu: r.Run(ctx), motors: r, encoders: r, close: cancel}, nil
}

func openHardware(app *appConfig, cfg balance.Config) (hw *hardware, err error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	defer func() {
		if err != nil {
			closeAll()
		}
	}()

	if err = embd.InitI2C(); err != nil {
		return nil, fmt.Errorf("error initializing I2C: %w", err)
	}
	closers = append(closers, func() { embd.CloseI2C() })
	mpu, err := mpu9250.NewMPU9250(embd.NewI2CBus(app.IMU.Bus), app.IMU.Address,
		app.IMU.GyroFS, app.IMU.AccelFS, int(cfg.FastRateHz))
	if err != nil {
		return nil, err
	}
	closers = append(closers, mpu.Close)

	if err = embd.InitGPIO(); err != nil {
		return nil, fmt.Errorf("error initializing GPIO: %w", err)
	}
	closers = append(closers, func() { embd.CloseGPIO() })
	motors, err := cape.OpenMotors(app.Motors.Channels, app.Motors.PeriodNs)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() {
		if err := motors.Close(); err != nil {
			log.Error().Err(err).Msg("Couldn't release motors")
		}
	})
	encoders, err := cape.OpenEncoders(app.Encoders.Left, app.Encoders.Right)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() { encoders.Close() })

	return &hardware{imu: mpu.C, motors: motors, encoders: encoders, close: closeAll}, nil
}
