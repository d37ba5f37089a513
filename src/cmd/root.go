package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtphotos/face-api/src/commons"
	"github.com/mtphotos/face-api/src/watchdog"
	"github.com/spf13/cobra"
)

const Version = "1.0.0"

var (
	cfg         commons.Config
	idleTimeout string
	corsOrigins string
)

var rootCmd = &cobra.Command{
	Use:     "face-api",
	Short:   "Face detection and embedding service for mt-photos",
	Version: Version,
	// Invalid flags are reported by cobra; everything after that is a
	// runtime error and does not need the usage text.
	SilenceUsage: true,
	RunE:         serve,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// .env has to be in place before the environment is read for the flag
	// defaults below.
	commons.LoadEnv()

	flags := rootCmd.Flags()
	flags.StringVar(&cfg.ApiKey, "api-key", commons.EnvString("API_AUTH_KEY", "mt_photos_ai_extra"), "Key clients send in the api-key header")
	flags.IntVar(&cfg.Port, "port", commons.EnvInt("HTTP_PORT", 8066), "HTTP port")
	flags.StringVar(&cfg.DetectorBackend, "detector-backend", commons.EnvString("DETECTOR_BACKEND", "retinaface"), "Face detector")
	flags.StringVar(&cfg.RecognitionModel, "recognition-model", commons.EnvString("RECOGNITION_MODEL", "Facenet512"), "Face recognition model")
	flags.StringVar(&cfg.CascadePath, "cascade-path", commons.EnvString("CASCADE_PATH", "models/haarcascade_frontalface_default.xml"), "Haar cascade classifier file")
	flags.StringVar(&idleTimeout, "idle-timeout", commons.EnvString("IDLE_TIMEOUT", watchdog.DefaultTimeout.String()), "Restart after this long without requests (seconds or a duration like 5m)")

	flags.StringVar(&cfg.InferenceBackend, "inference-backend", commons.EnvString("INFERENCE_BACKEND", "worker"), "Where inference runs: worker, redis or http")
	flags.IntVar(&cfg.MaxWorkers, "max-workers", commons.EnvInt("MAX_WORKERS", 0), "Number of concurrent inference calls, 0 picks a default for the backend")
	flags.StringVar(&cfg.Python, "python", commons.EnvString("PYTHON_BIN", "python3"), "Python interpreter for the worker backend")
	flags.StringVar(&cfg.WorkerScript, "worker-script", commons.EnvString("WORKER_SCRIPT", "python/worker.py"), "Model worker script for the worker backend")
	flags.StringVar(&cfg.RedisAddress, "redis-address", commons.EnvString("REDIS_ADDRESS", ":6379"), "Redis address for the redis backend")
	flags.IntVar(&cfg.RedisMaxConnections, "redis-max-connections", commons.EnvInt("REDIS_MAX_CONNECTIONS", 10), "Max. number of Redis connections")
	flags.StringVar(&cfg.DeepFaceURL, "deepface-url", commons.EnvString("DEEPFACE_URL", "http://127.0.0.1:5005"), "DeepFace REST API for the http backend")

	flags.StringVar(&cfg.SentryDSN, "sentry-dsn", commons.EnvString("SENTRY_DSN", ""), "Sentry DSN, reporting is off when empty")
	flags.StringVar(&cfg.LogLevel, "log-level", commons.EnvString("LOG_LEVEL", "info"), "Log level")
	flags.StringVar(&corsOrigins, "cors-origins", commons.EnvString("CORS_ORIGINS", ""), "Comma separated origins allowed by CORS")
	flags.BoolVar(&cfg.Release, "release", commons.EnvString("GIN_MODE", "") == "release", "Run in release mode")
}
