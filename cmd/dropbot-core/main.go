package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/sci-bots/dropbot-core/internal/bus"
	"github.com/sci-bots/dropbot-core/internal/config"
	"github.com/sci-bots/dropbot-core/internal/datalog"
	"github.com/sci-bots/dropbot-core/internal/device"
	"github.com/sci-bots/dropbot-core/internal/droplet"
	"github.com/sci-bots/dropbot-core/internal/experiment"
	"github.com/sci-bots/dropbot-core/internal/runner"
	"github.com/sci-bots/dropbot-core/internal/scheduler"
	"github.com/sci-bots/dropbot-core/internal/viewer"
	"github.com/sci-bots/dropbot-core/internal/voltage"
	"github.com/sci-bots/dropbot-core/pkg/log"
	"github.com/sci-bots/dropbot-core/pkg/runtimeEnv"
)

func main() {
	var flagConfigFile string
	var flagLogLevel string
	var flagLogDate bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the default config options by those specified in `config.json`")
	flag.StringVar(&flagLogLevel, "loglevel", "", "Set log level, overwriting the config file value (debug, info, warn, err, crit)")
	flag.BoolVar(&flagLogDate, "logdate", false, "Print date and time in log output, overwriting the config file value")
	flag.Parse()

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	config.Init(flagConfigFile)

	if flagLogLevel != "" {
		config.Keys.LogLevel = flagLogLevel
	}
	if flagLogDate {
		config.Keys.LogDate = true
	}
	log.SetLogLevel(config.Keys.LogLevel)
	log.SetLogDateTime(config.Keys.LogDate)

	router, err := bus.NewRouter(config.Keys.NatsAddr)
	if err != nil {
		log.Fatalf("bus: connect failed: %s", err.Error())
	}

	experimentStore, err := experiment.NewStore(config.Keys.RedisAddr)
	if err != nil {
		log.Fatalf("experiment: store init failed: %s", err.Error())
	}

	scheduler.Start()

	lister := device.NewPortLister(config.Keys.HWIDs)
	if config.Keys.SerialPort != "" {
		lister = device.NewStaticPortLister(config.Keys.SerialPort)
	}

	supervisor := device.Init(router, lister, unconfiguredProxy, config.Keys.ExpectedChannels)
	supervisor.StartDeviceMonitoring()

	voltageSvc := voltage.NewService(router)
	dropletSvc, err := droplet.NewService(router)
	if err != nil {
		log.Fatalf("droplet: service init failed: %s", err.Error())
	}
	bridge := viewer.NewBridge()

	r := runner.New(router, supervisor, voltageSvc, dropletSvc, bridge, runner.NewRealScheduler(), runner.Calibration{
		ElectrodeAreaMM2: map[string]float64{},
	})
	if err := r.Subscribe(); err != nil {
		log.Fatalf("runner: subscribe failed: %s", err.Error())
	}
	if err := wireRequests(router, supervisor, r); err != nil {
		log.Fatalf("requests: subscribe failed: %s", err.Error())
	}

	// If a previous process left a current experiment pointer behind,
	// resume logging into it rather than starting the new run unlogged.
	if dir, err := experimentStore.Current(context.Background()); err != nil {
		log.Warnf("experiment: reading current experiment failed: %v", err)
	} else if dir != "" {
		logger, err := datalog.Open(dir)
		if err != nil {
			log.Warnf("experiment: reopening data log at %s failed: %v", dir, err)
		} else {
			r.AttachLogger(logger)
			log.Infof("experiment: resumed data log at %s", dir)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")

		r.Stop()
		supervisor.Shutdown()
		scheduler.Shutdown()
		router.Close()
	}()

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(25)
	}
	runtimeEnv.SystemdNotifiy(true, "running")
	wg.Wait()
	log.Print("Gracefull shutdown completed!")
}

// unconfiguredProxy is the NewProxyFunc wired until a concrete serial driver
// for the board is selected; the on-wire protocol is explicitly out of this
// core's scope (spec.md section 1). Connect calls fail loudly rather than
// silently succeeding against a fake board.
func unconfiguredProxy(port string) (device.Proxy, error) {
	return nil, &proxyNotConfiguredError{port: port}
}

type proxyNotConfiguredError struct{ port string }

func (e *proxyNotConfiguredError) Error() string {
	return "device: no Proxy implementation wired for port " + e.port
}
