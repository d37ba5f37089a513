package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mtphotos/face-api/src/api"
	"github.com/mtphotos/face-api/src/commons"
	"github.com/mtphotos/face-api/src/predict"
	"github.com/mtphotos/face-api/src/watchdog"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// newFactory returns the predictor factory for the configured backend and
// a cleanup func for resources the predictors share.
func newFactory(cfg *commons.Config) (predict.Factory, func(), error) {
	switch cfg.InferenceBackend {
	case "worker":
		opts := predict.PythonOptions{
			Python:           cfg.Python,
			Script:           cfg.WorkerScript,
			DetectorBackend:  cfg.DetectorBackend,
			RecognitionModel: cfg.RecognitionModel,
			CascadePath:      cfg.CascadePath,
		}
		return func(id int) (predict.Predictor, error) {
			return predict.NewPythonPredictor(id, opts)
		}, func() {}, nil
	case "redis":
		pool := predict.NewRedisPool(cfg.RedisAddress, cfg.RedisMaxConnections)
		predictor := predict.NewRedisPredictor(pool, cfg.DetectorBackend, cfg.RecognitionModel)
		return func(id int) (predict.Predictor, error) {
			return predictor, nil
		}, func() { pool.Close() }, nil
	case "http":
		predictor := predict.NewDeepFacePredictor(cfg.DeepFaceURL, cfg.DetectorBackend, cfg.RecognitionModel)
		return func(id int) (predict.Predictor, error) {
			return predictor, nil
		}, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown inference backend %q", cfg.InferenceBackend)
}

// newRestarter re-executes the binary once the dispatcher's worker processes
// are gone. The pid survives exec, so anything not reaped before would be
// left as a zombie.
func newRestarter(dispatcher *predict.Dispatcher) *watchdog.ProcessRestarter {
	restarter := &watchdog.ProcessRestarter{}
	restarter.OnRestart(dispatcher.Kill)
	restarter.OnRestart(commons.FlushErrors)
	return restarter
}

func serve(cmd *cobra.Command, args []string) error {
	commons.SetupLogging(cfg.LogLevel)

	var err error
	cfg.IdleTimeout, err = commons.ParseSeconds(idleTimeout)
	if err != nil {
		return fmt.Errorf("invalid idle timeout %q: %w", idleTimeout, err)
	}
	cfg.CorsOrigins = commons.SplitList(corsOrigins)
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = commons.DefaultMaxWorkers(cfg.InferenceBackend)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Release {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := commons.SetupSentry(cfg.SentryDSN); err != nil {
		log.Error("[Main] Couldn't set up error reporting: ", err.Error())
	}

	factory, cleanup, err := newFactory(&cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	log.WithFields(log.Fields{
		"detector_backend":  cfg.DetectorBackend,
		"recognition_model": cfg.RecognitionModel,
		"inference_backend": cfg.InferenceBackend,
		"workers":           cfg.MaxWorkers,
	}).Info("[Main] Starting workers")

	dispatcher := predict.NewDispatcher(cfg.MaxWorkers, factory, cfg.EmbeddingSize())
	if err := dispatcher.Run(); err != nil {
		return err
	}
	defer dispatcher.Kill()

	wd := watchdog.New(cfg.IdleTimeout, newRestarter(dispatcher))
	wd.Reset()
	defer wd.Stop()

	server := api.NewServer(&cfg, dispatcher, wd).HTTPServer()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("[Main] Listening on ", server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-cmd.Context().Done():
	}

	log.Info("[Main] Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("[Main] Couldn't shut down gracefully: ", err.Error())
	}
	commons.FlushErrors()
	return nil
}
