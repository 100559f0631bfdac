package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/spotspray/internal/config"
	"github.com/banshee-data/spotspray/internal/control"
	"github.com/banshee-data/spotspray/internal/db"
	"github.com/banshee-data/spotspray/internal/detect"
	"github.com/banshee-data/spotspray/internal/fsutil"
	"github.com/banshee-data/spotspray/internal/gps"
	"github.com/banshee-data/spotspray/internal/health"
	"github.com/banshee-data/spotspray/internal/monitoring"
	"github.com/banshee-data/spotspray/internal/relay"
	"github.com/banshee-data/spotspray/internal/sampler"
	"github.com/banshee-data/spotspray/internal/security"
	"github.com/banshee-data/spotspray/internal/serialport"
	"github.com/banshee-data/spotspray/internal/timeutil"
	"github.com/banshee-data/spotspray/internal/version"
	"github.com/banshee-data/spotspray/internal/video"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the JSON or YAML configuration file")
	inputPath   = flag.String("input", "", "Image file or directory to replay (overrides input_path)")
	focusMode   = flag.Bool("focus", false, "Log the FFT blur score with each FPS report")
	devMode     = flag.Bool("dev", false, "Use a mock relay board instead of the serial controller")
	listen      = flag.String("listen", "localhost:8081", "Admin HTTP listen address (empty disables)")
	grpcListen  = flag.String("grpc", "", "gRPC health service listen address (empty disables)")
	runStr2Str  = flag.Bool("str2str", false, "Launch str2str to relay RTK corrections (STR2STR_INPUT, STR2STR_OUTPUT)")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if args := flag.Args(); len(args) > 0 {
		if args[0] != "migrate" {
			log.Fatalf("unknown command %q", args[0])
		}
		if err := db.RunMigrateCommand(args[1:], cfg.GetDatabasePath(), os.Stdout); err != nil {
			if errors.Is(err, db.ErrUsage) {
				db.PrintMigrateHelp(os.Stderr)
			}
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		log.Printf("spotspray: %v", err)
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	clock := timeutil.RealClock{}
	fsys := fsutil.OSFileSystem{}
	now := clock.Now()

	if w, h, clamped := cfg.FrameSize(); clamped {
		log.Printf("capture size %dx%d is too large for real-time detection, using %dx%d",
			cfg.GetFrameWidth(), cfg.GetFrameHeight(), w, h)
	}

	database, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	session, err := database.StartSession(ctx, cfg.GetAlgorithm(), configJSON, now)
	if err != nil {
		return err
	}
	log.Printf("session %s started", session.ID)

	if cfg.GetRecording() {
		restore, err := startRecording(fsys, cfg, session.ID, now, clock.Now)
		if err != nil {
			return err
		}
		defer restore()
	}

	path := *inputPath
	if path == "" {
		path = cfg.GetInputPath()
	}
	if path == "" {
		return errors.New("no frame source: set input_path or pass -input")
	}
	source, err := video.OpenFileSource(video.FileSourceConfig{
		Path:     path,
		FS:       fsys,
		Clock:    clock,
		LoopTime: cfg.GetImageLoopTime(),
	})
	if err != nil {
		return err
	}

	driver, err := newDriver(cfg, clock)
	if err != nil {
		return err
	}
	defer driver.Close()

	scheduler, err := relay.NewScheduler(relay.SchedulerConfig{
		Lanes:  cfg.GetRelayCount(),
		Driver: driver,
		Clock:  clock,
	})
	if err != nil {
		return err
	}
	defer scheduler.Close()

	loopCfg := control.Config{
		Source:             source,
		Algorithm:          cfg.GetAlgorithm(),
		Thresholds:         thresholds(cfg),
		DisableDetection:   cfg.GetDisableDetection(),
		Actuator:           scheduler,
		Beeper:             driver,
		RelayCount:         cfg.GetRelayCount(),
		ActivationFraction: cfg.GetActivationFraction(),
		Delay:              cfg.GetActuationDelay(),
		Duration:           cfg.GetActuationDuration(),
		SampleMode:         cfg.GetSampleMethod(),
		SampleFrequency:    cfg.GetSampleFrequency(),
		Focus:              *focusMode,
		LogFPS:             cfg.GetLogFPS(),
		FPSReportFrames:    cfg.GetFPSReportFrames(),
		Clock:              clock,
	}

	fpsLog := database.FPSLog(session.ID)
	loopCfg.OnReport = func(r control.FPSReport) {
		err := fpsLog.RecordFPS(context.Background(), db.FPSReport{
			At:         r.At,
			Frames:     r.Frames,
			FPS:        r.FPS,
			Detections: r.Detections,
			Actuations: r.Actuations,
		})
		if err != nil {
			monitoring.Logf("[db] %v", err)
		}
	}

	var ingester *gps.Ingester
	if cfg.GetGPSEnabled() {
		ingester = gps.NewIngester(gps.IngesterConfig{Dialer: newDialer(cfg), Clock: clock})
		ingester.Start(ctx)
		defer ingester.Stop()
		loopCfg.Position = ingester.Cache()
		loopCfg.Ingester = ingester

		if *runStr2Str {
			if _, err := gps.StartStr2Str(ctx, os.Getenv); err != nil {
				log.Printf("str2str not started: %v", err)
			}
		}
	}

	var pool *sampler.Pool
	var storage *sampler.StorageMonitor
	if cfg.GetSampleImages() {
		dir := cfg.GetSaveDirectory()
		pool, err = sampler.NewPool(sampler.PoolConfig{
			FS:                 fsys,
			Dir:                dir,
			Mode:               cfg.GetSampleMethod(),
			MaxQueue:           cfg.GetMaxQueue(),
			NewWorkerThreshold: cfg.GetNewWorkerThreshold(),
			MaxWorkers:         cfg.GetMaxWorkers(),
			Clock:              clock,
			Indexer:            database.SampleIndex(session.ID),
		})
		if err != nil {
			return err
		}
		storage = sampler.NewStorageMonitor(sampler.StorageMonitorConfig{
			FS:     fsys,
			Dir:    dir,
			FullAt: cfg.GetStorageFullAt(),
			Clock:  clock,
		})
		storage.Start(ctx)
		defer storage.Stop()
		loopCfg.Archiver = pool
		loopCfg.Storage = storage
	}

	if *grpcListen != "" {
		reporter := health.NewReporter()
		if err := reporter.Listen(*grpcListen); err != nil {
			return err
		}
		defer reporter.Stop()
		loopCfg.Health = reporter
	}

	loop, err := control.New(loopCfg)
	if err != nil {
		return err
	}

	if *listen != "" {
		mux := http.NewServeMux()
		scheduler.AttachAdminRoutes(mux)
		loop.AttachAdminRoutes(mux)
		if ingester != nil {
			ingester.AttachAdminRoutes(mux)
		}
		if pool != nil {
			pool.AttachAdminRoutes(mux, storage)
		}
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Printf("database admin routes: %v", err)
		}
		tsweb.Debugger(mux).KV("Version", version.String())
		server := &http.Server{Addr: *listen, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("admin server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("admin server shutdown: %v", err)
				server.Close()
			}
		}()
	}

	runErr := loop.Run(ctx)
	if err := database.EndSession(context.Background(), session.ID, clock.Now(), loop.ExitCause(), loop.Frames()); err != nil {
		log.Printf("end session: %v", err)
	}
	return runErr
}

// startRecording saves a config snapshot and tees the log into
// <save_directory>/<date>/session-<id>.log.
func startRecording(fsys fsutil.FileSystem, cfg *config.Config, sessionID string, now time.Time, clock func() time.Time) (func(), error) {
	dir := filepath.Join(cfg.GetSaveDirectory(), now.Format("2006-01-02"))
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if path, err := cfg.SaveSnapshot(fsys, dir, now); err != nil {
		log.Printf("config snapshot: %v", err)
	} else {
		log.Printf("config saved to %s", path)
	}
	restore, err := monitoring.OpenSessionLog(fsys, sessionLogPath(dir, sessionID), clock)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := restore(); err != nil {
			log.Printf("close session log: %v", err)
		}
	}, nil
}

func sessionLogPath(dir, sessionID string) string {
	return filepath.Join(dir, "session-"+security.SanitizeFilename(sessionID)+".log")
}

func thresholds(cfg *config.Config) detect.Thresholds {
	return detect.Thresholds{
		ExgMin:        cfg.GetExgMin(),
		ExgMax:        cfg.GetExgMax(),
		HueMin:        cfg.GetHueMin(),
		HueMax:        cfg.GetHueMax(),
		SaturationMin: cfg.GetSaturationMin(),
		SaturationMax: cfg.GetSaturationMax(),
		BrightnessMin: cfg.GetBrightnessMin(),
		BrightnessMax: cfg.GetBrightnessMax(),
		MinArea:       cfg.GetMinDetectionArea(),
		InvertHue:     cfg.GetInvertHue(),
	}
}

func newDriver(cfg *config.Config, clock timeutil.Clock) (relay.Driver, error) {
	if *devMode {
		log.Printf("dev mode: relays are simulated")
		return relay.NewMockDriver(cfg.GetRelayCount(), clock, true), nil
	}
	return relay.OpenSerialDriver(cfg.GetRelayDevice(),
		serialport.Options{BaudRate: cfg.GetRelayBaud()}, cfg.GetRelayPins(), nil)
}

// newDialer prefers a directly attached serial receiver over TCP.
func newDialer(cfg *config.Config) gps.Dialer {
	if dev := cfg.GetGPSSerialDevice(); dev != "" {
		return gps.SerialDialer{Device: dev, Options: serialport.Options{BaudRate: cfg.GetGPSBaud()}}
	}
	return gps.TCPDialer{Host: cfg.GetGPSHost(), Port: cfg.GetGPSPort()}
}
