// failover-agent keeps a device connected to its cloud hub.
//
// It provisions the device identity, opens a hub session, answers inbound
// requests and publishes telemetry. Every connection loss re-provisions
// from scratch, so the device follows its hub assignment when it moves.
//
// The agent stops on SIGINT, SIGTERM, or "q" typed on an interactive stdin.
// It exits 0 after a requested stop and 1 when it gives up on its own.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/nerrad567/failover-agent/internal/agent"
	"github.com/nerrad567/failover-agent/internal/api"
	"github.com/nerrad567/failover-agent/internal/connectivity"
	"github.com/nerrad567/failover-agent/internal/console"
	"github.com/nerrad567/failover-agent/internal/credentials"
	"github.com/nerrad567/failover-agent/internal/dispatch"
	"github.com/nerrad567/failover-agent/internal/infrastructure/config"
	"github.com/nerrad567/failover-agent/internal/infrastructure/database"
	"github.com/nerrad567/failover-agent/internal/infrastructure/influxdb"
	"github.com/nerrad567/failover-agent/internal/infrastructure/logging"
	"github.com/nerrad567/failover-agent/internal/iothub"
	"github.com/nerrad567/failover-agent/internal/journal"
	"github.com/nerrad567/failover-agent/internal/metrics"
	"github.com/nerrad567/failover-agent/internal/provisioning"
	"github.com/nerrad567/failover-agent/internal/scheduler"
	"github.com/nerrad567/failover-agent/internal/telemetry"
	"github.com/nerrad567/failover-agent/migrations"
)

// Version information, set at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

const banner = `
  __       _ _                                                    _
 / _| __ _(_) | _____   _____ _ __       __ _  __ _  ___ _ __ | |_
| |_ / _' | | |/ _ \ \ / / _ \ '__|____ / _' |/ _' |/ _ \ '_ \| __|
|  _| (_| | | | (_) \ V /  __/ | |_____| (_| | (_| |  __/ | | | |_
|_|  \__,_|_|_|\___/ \_/ \___|_|        \__,_|\__, |\___|_| |_|\__|
                                              |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if console.IsInteractive(os.Stdin) {
		printBanner(os.Stdout)
		go console.Watch(os.Stdin, cancel)
	}

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func printBanner(w io.Writer) {
	color.New(color.FgCyan).Fprint(w, banner)
	color.New(color.FgHiBlack).Fprintf(w, "    version: %s\n", version)
	color.New(color.FgYellow).Fprint(w, "    press q then enter to stop\n\n")
}

// getConfigPath returns FAILOVER_CONFIG or the default path.
func getConfigPath() string {
	if path := os.Getenv("FAILOVER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run builds the agent and blocks until ctx ends or the agent fails.
// It returns nil on a requested stop.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting failover agent", "version", version, "commit", commit, "build_date", date)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "device_id", cfg.Device.ID)

	key, err := credentials.ResolveDeviceKey(cfg.Device.DeviceKey, cfg.Device.GroupKey, cfg.Device.ID)
	if err != nil {
		return fmt.Errorf("resolving device key: %w", err)
	}
	payload, err := provisioning.ModelPayload(cfg.Provisioning.PayloadModelKey, cfg.Device.ModelID)
	if err != nil {
		return fmt.Errorf("building registration payload: %w", err)
	}

	provisioner, err := provisioning.NewClient(provisioning.Config{
		Host:           cfg.Provisioning.Host,
		Port:           cfg.Provisioning.Port,
		IDScope:        cfg.Device.IDScope,
		TokenTTL:       seconds(cfg.Session.TokenTTL),
		ConnectTimeout: seconds(cfg.Session.ConnectTimeout),
		RequestTimeout: seconds(cfg.Provisioning.RequestTimeout),
	})
	if err != nil {
		return fmt.Errorf("creating provisioning client: %w", err)
	}
	provisioner.SetLogger(log.Component("provisioning"))

	sessions := iothub.NewFactory(iothub.FactoryConfig{
		Transport:        cfg.Session.Transport,
		Port:             cfg.Session.Port,
		QoS:              byte(cfg.Session.QoS),
		KeepAlive:        seconds(cfg.Session.KeepAlive),
		ConnectTimeout:   seconds(cfg.Session.ConnectTimeout),
		OperationTimeout: seconds(cfg.Session.OperationTimeout),
		AutoReconnect:    cfg.Session.AutoReconnect,
		TokenTTL:         seconds(cfg.Session.TokenTTL),
	})
	sessions.SetLogger(log.Component("iothub"))

	manager := connectivity.NewManager(connectivity.Config{
		Identity: connectivity.DeviceIdentity{
			DeviceID:   cfg.Device.ID,
			DerivedKey: key,
			ModelID:    cfg.Device.ModelID,
		},
		ProvisioningPayload:    payload,
		PollInterval:           cfg.GetPollInterval(),
		MaxPollAttempts:        cfg.Provisioning.MaxPollAttempts,
		ProvisioningTimeout:    cfg.GetProvisioningTimeout(),
		RetryDelay:             cfg.GetRetryDelay(),
		MaxConsecutiveFailures: cfg.Failover.MaxConsecutiveFailures,
		Subscriptions: connectivity.Subscriptions{
			DesiredProperties: cfg.Features.DesiredProperties,
			DirectMethods:     cfg.Features.DirectMethods,
			Messages:          cfg.Features.C2DMessages,
		},
	}, provisioner, sessions)
	manager.SetLogger(log.Component("connectivity"))

	collector := metrics.NewCollector()
	manager.OnTransition(collector.ObserveTransition)

	checks := map[string]api.HealthChecker{}

	// Connection journal (optional)
	var journalRepo journal.Repository
	if cfg.Database.Enabled {
		db, recorder, openErr := openJournal(ctx, cfg.Database, log)
		if openErr != nil {
			return openErr
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if closeErr := recorder.Close(closeCtx); closeErr != nil {
				log.Warn("journal did not drain", "error", closeErr, "dropped", recorder.Dropped())
			}
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		recorder.SetOnDrop(collector.JournalDropped)
		manager.OnTransition(recorder.Observe)
		journalRepo = journal.NewSQLiteRepository(db.DB)
		checks["journal"] = db
	} else {
		log.Info("connection journal disabled")
	}

	// Telemetry mirror (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection", "stats", influxClient.Stats())
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Warn("InfluxDB write error", "error", err)
		})
		manager.OnTransition(func(tr connectivity.Transition) {
			influxClient.WriteTransition(tr.DeviceID, tr.From.String(), tr.To.String(), tr.Reason, tr.At)
		})
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	disp := dispatch.New(dispatch.Config{AckUnhandled: cfg.Features.AckUnhandledDesired}, manager)
	disp.SetLogger(log.Component("dispatch"))
	disp.SetObserver(func(kind dispatch.Kind, name, outcome string) {
		collector.ObserveInbound(kind.String(), name, outcome)
	})
	manager.SetInboundHandler(disp)
	manager.OnTransition(disp.ObserveTransition)

	publisher := telemetry.NewPublisher(cfg.Device.ID, telemetry.NewSimulator(uint64(time.Now().UnixNano())))
	publisher.SetLogger(log.Component("telemetry"))
	publisher.SetOnResult(collector.ObserveDelivery)
	if influxClient != nil {
		publisher.SetRecorder(influxClient)
	}

	device := agent.NewDevice(cfg.Features, publisher)
	device.SetLogger(log.Component("device"))
	device.Register(disp)

	sched := scheduler.New(manager)
	sched.SetLogger(log.Component("scheduler"))
	sched.SetObserver(collector.ObservePublication)
	for _, task := range device.Tasks(cfg.Telemetry, cfg.ReportedProperties) {
		if addErr := sched.Add(task); addErr != nil {
			return fmt.Errorf("scheduling %s: %w", task.Name, addErr)
		}
	}

	// Status API (optional)
	if cfg.API.Enabled {
		srv, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			Features: cfg.Features,
			Logger:   log.Component("api"),
			Status:   manager,
			Device:   device,
			Journal:  journalRepo,
			Checks:   checks,
			Metrics:  metrics.NewRegistry(collector),
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	ctrl := agent.NewController(manager, sched)
	ctrl.SetLogger(log.Component("agent"))

	if err := ctrl.Run(ctx); err != nil {
		return err
	}
	log.Info("failover agent stopped", "stats", manager.Stats())
	return nil
}

func openJournal(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*database.DB, *journal.Recorder, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("connection journal ready", "path", db.Path())

	recorder := journal.NewRecorder(journal.NewSQLiteRepository(db.DB), 0)
	recorder.SetLogger(log.Component("journal"))
	return db, recorder, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
