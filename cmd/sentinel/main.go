package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uniface360/sentinel/internal/api"
	"github.com/uniface360/sentinel/internal/camera"
	"github.com/uniface360/sentinel/internal/config"
	"github.com/uniface360/sentinel/internal/detect"
	"github.com/uniface360/sentinel/internal/events"
	"github.com/uniface360/sentinel/internal/logging"
	"github.com/uniface360/sentinel/internal/notify"
	"github.com/uniface360/sentinel/internal/pipeline"
	"github.com/uniface360/sentinel/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Application holds every running component so shutdown can stop them in
// the right order.
type Application struct {
	cfg        *config.Config
	log        *zap.Logger
	registry   *config.Registry
	frames     *camera.FrameStore
	cameras    *camera.Manager
	detectors  *detect.Registry
	dispatcher *detect.Dispatcher
	writer     *pipeline.DebounceWriter
	analytics  *store.Analytics
	bus        *events.Bus
	notifier   *notify.Notifier
	server     *api.Server
}

func main() {
	configPath := flag.String("config", "sentinel.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := logging.Init(cfg.LogLevel, cfg.Development)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	app, err := newApplication(cfg)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	app.start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received")

	app.shutdown()
}

func newApplication(cfg *config.Config) (*Application, error) {
	registry, err := config.OpenRegistry(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	frames := camera.NewFrameStore()
	cameras := camera.NewManager(frames, registry.SaveCameras)

	analytics, err := store.OpenAnalytics(cfg.Store.Driver, cfg.Store.DSN, cfg.Store.RetentionCap)
	if err != nil {
		return nil, fmt.Errorf("opening analytics store: %w", err)
	}

	evidence, err := newEvidence(cfg.Evidence)
	if err != nil {
		return nil, fmt.Errorf("opening evidence store: %w", err)
	}

	bus := events.NewBus()
	writer := pipeline.NewDebounceWriter(frames, analytics, evidence, bus,
		registry, cameras.Name, cfg.Sampling.Cooldown)

	detectors := detect.NewRegistry()
	registerDetectors(detectors, cfg.Models, registry)

	dispatcher := detect.NewDispatcher(frames, detectors, registry,
		writer.Submit, cfg.Sampling.Interval)

	var notifier *notify.Notifier
	if cfg.Notify.Enabled {
		sender, err := notify.NewShoutrrrSender(cfg.Notify.URLs, cfg.Notify.Timeout)
		if err != nil {
			return nil, fmt.Errorf("configuring notifications: %w", err)
		}
		notifier = notify.NewNotifier(bus, sender, cfg.Notify.Cooldown)
	}

	server := api.NewServer(cfg.ListenAddr, cameras, frames, analytics, bus, registry, writer)

	return &Application{
		cfg:        cfg,
		log:        zap.L().Named("app"),
		registry:   registry,
		frames:     frames,
		cameras:    cameras,
		detectors:  detectors,
		dispatcher: dispatcher,
		writer:     writer,
		analytics:  analytics,
		bus:        bus,
		notifier:   notifier,
		server:     server,
	}, nil
}

func newEvidence(cfg config.EvidenceConfig) (store.Evidence, error) {
	switch cfg.Backend {
	case "minio":
		return store.NewMinIOEvidence(store.MinIOConfig{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
		})
	default:
		return store.NewLocalEvidence(cfg.Dir)
	}
}

func registerDetectors(reg *detect.Registry, models config.ModelsConfig, registry *config.Registry) {
	if models.FaceCascade != "" && models.FaceEmbedding != "" {
		reg.Register(detect.CategoryIdentity, func() (detect.Detector, error) {
			return detect.NewIdentityDetector(models.FaceCascade, models.FaceEmbedding,
				registry, models.FaceTolerance)
		})
	}
	reg.Register(detect.CategoryPerson, func() (detect.Detector, error) {
		return detect.NewPersonDetector()
	})
	if models.PPEWeights != "" && models.PPEConfig != "" {
		reg.Register(detect.CategoryPPE, func() (detect.Detector, error) {
			return detect.NewPPEDetector(models.PPEWeights, models.PPEConfig,
				float32(models.PPEConfidence))
		})
	}
	if models.SmokeModel != "" {
		reg.Register(detect.CategorySmoke, func() (detect.Detector, error) {
			return detect.NewSmokeDetector(models.SmokeModel,
				float32(models.SmokeConfidence))
		})
	}
}

func (app *Application) start() {
	app.cameras.Load(app.registry.Cameras())
	app.writer.Start()
	app.dispatcher.Start()
	if app.notifier != nil {
		app.notifier.Start()
	}

	go func() {
		if err := app.server.Start(); err != nil {
			app.log.Fatal("http server failed", zap.Error(err))
		}
	}()
}

// shutdown stops components back to front: stop producing detections,
// drain the writer, then close the fan-out and storage.
func (app *Application) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.log.Warn("http shutdown", zap.Error(err))
	}

	app.dispatcher.Stop()
	app.cameras.StopAll()
	app.writer.Stop()
	if app.notifier != nil {
		app.notifier.Stop()
	}
	app.detectors.Close()
	if err := app.analytics.Close(); err != nil {
		app.log.Warn("closing analytics", zap.Error(err))
	}

	app.log.Info("shutdown complete")
}
