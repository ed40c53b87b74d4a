package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/aviationwx/hub/internal/config"
	"github.com/aviationwx/hub/internal/logger"
	"github.com/aviationwx/hub/internal/scheduler"
	"github.com/aviationwx/hub/internal/sftpserver"
	"github.com/aviationwx/hub/internal/web"
)

// Version and GitCommit are set at build time via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "/data/airports.json", "path to the airports.json configuration file")
		dataDir      = flag.String("data-dir", "/data/webcams", "root directory for promoted webcam variants and history")
		stagingDir   = flag.String("staging-dir", "/dev/shm/hub", "root directory for in-flight captures and push landing directories")
		lockFilePath = flag.String("lock-file", "/run/hubd.lock", "path to the daemon's health/lock file")
		backoffPath  = flag.String("backoff-store", "/data/backoff.json", "path to the persisted circuit-breaker state")
		listenAddr   = flag.String("listen", ":8080", "address for the status/file HTTP surface")
		sftpAddr     = flag.String("sftp-listen", ":2222", "address for the embedded push-ingestion SFTP listener")
		sftpHostKey  = flag.String("sftp-host-key", "/data/sftp_host_key", "path to the SFTP host key (generated if missing)")
		webWorkers   = flag.Int("webcam-workers", 8, "max concurrent webcam acquisitions")
		weatherWorkers = flag.Int("weather-workers", 4, "max concurrent weather polls")
		worker       = flag.Bool("worker", false, "run the scheduler loop for a two-minute window and exit, instead of the long-lived daemon")
	)
	flag.Parse()

	logger.Init()
	log := logger.Default()
	log.Info("hub starting", "version", Version, "commit", GitCommit)

	svc, err := config.NewService(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	daemon, err := scheduler.NewDaemon(scheduler.Config{
		ConfigService:     svc,
		DataDir:           *dataDir,
		StagingDir:        *stagingDir,
		LockFilePath:      *lockFilePath,
		BackoffStorePath:  *backoffPath,
		MaxWebcamWorkers:  *webWorkers,
		MaxWeatherWorkers: *weatherWorkers,
	})
	if err != nil {
		log.Error("failed to initialize scheduler", "error", err)
		os.Exit(1)
	}

	if *worker {
		runOnce(daemon, log)
		return
	}

	sftpSrv, err := startPushListener(svc.Get(), *sftpAddr, *sftpHostKey, *stagingDir, log)
	if err != nil {
		log.Warn("push ingestion disabled", "error", err)
	}

	webServer := web.NewServer(web.Config{
		DataDir: *dataDir,
		Daemon:  daemon,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := daemon.Run(ctx); err != nil && err != context.Canceled {
			log.Warn("scheduler stopped", "error", err)
		}
	}()

	go func() {
		log.Info("status surface listening", "addr", *listenAddr)
		if err := webServer.Start(*listenAddr); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	if sftpSrv != nil {
		go func() {
			log.Info("push ingestion listening", "addr", *sftpAddr)
			if err := sftpSrv.ListenAndServe(); err != nil {
				log.Warn("sftp server stopped", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webServer.Stop(shutdownCtx); err != nil {
		log.Error("error stopping web server", "error", err)
	}
	if sftpSrv != nil {
		if err := sftpSrv.Close(); err != nil {
			log.Error("error stopping sftp server", "error", err)
		}
	}

	log.Info("goodbye")
}

// runOnce drives the scheduler for a bounded window and exits, giving
// operators a cron-friendly "fetch what's due, then stop" entrypoint
// instead of the long-lived daemon loop. The scheduler still dispatches
// on its normal per-second tick internally; the window just bounds how
// long the process stays up.
func runOnce(daemon *scheduler.Daemon, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- daemon.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-done:
		if err != nil {
			log.Error("worker cycle error", "error", err)
			os.Exit(1)
		}
	}
	log.Info("worker cycle complete")
}

// startPushListener builds the embedded SFTP server from every
// push-configured webcam in the current config snapshot. It returns a
// nil server (not an error) when there are no push webcams at all,
// since that is a normal deployment shape, not a misconfiguration.
func startPushListener(root config.Root, addr, hostKeyPath, stagingRoot string, log *logger.Logger) (*sftpserver.Server, error) {
	var creds []sftpserver.Credential
	for airportID, airport := range root.Airports {
		for idx, w := range airport.Webcams {
			if w.Type != config.WebcamPush || w.PushConfig == nil {
				continue
			}
			dir := filepath.Join(stagingRoot, "inbox", airportID, fmt.Sprintf("cam%d", idx))
			creds = append(creds, sftpserver.Credential{
				Username:  w.PushConfig.Username,
				Password:  w.PushConfig.Password,
				Directory: dir,
			})
		}
	}
	if len(creds) == 0 {
		return nil, nil
	}

	srv, err := sftpserver.New(sftpserver.Config{
		ListenAddr:  addr,
		HostKeyPath: hostKeyPath,
		Credentials: creds,
	})
	if err != nil {
		return nil, fmt.Errorf("start push listener: %w", err)
	}
	log.Info("push ingestion configured", "credentials", len(creds))
	return srv, nil
}
