package commons

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mtphotos/face-api/src/predict"
	log "github.com/sirupsen/logrus"
)

// Config is resolved once at startup and never changes afterwards; picking
// up new values requires a restart.
type Config struct {
	ApiKey           string        `validate:"required"`
	Port             int           `validate:"min=1,max=65535"`
	DetectorBackend  string        `validate:"detector_backend"`
	RecognitionModel string        `validate:"recognition_model"`
	CascadePath      string        `validate:"required,file"`
	IdleTimeout      time.Duration `validate:"gt=0"`

	InferenceBackend    string `validate:"oneof=worker redis http"`
	MaxWorkers          int    `validate:"min=1"`
	Python              string `validate:"required_if=InferenceBackend worker"`
	WorkerScript        string `validate:"required_if=InferenceBackend worker"`
	RedisAddress        string `validate:"required_if=InferenceBackend redis"`
	RedisMaxConnections int    `validate:"min=1"`
	DeepFaceURL         string `validate:"required_if=InferenceBackend http,omitempty,url"`

	SentryDSN   string
	LogLevel    string `validate:"oneof=trace debug info warn warning error"`
	CorsOrigins []string
	Release     bool
}

// DefaultSubprocessWorkers is the worker count for the worker backend. Each
// of those workers runs its own python process with a full copy of the
// model, so the count is kept small.
const DefaultSubprocessWorkers = 2

// DefaultMaxWorkers picks the worker count when none is configured. Remote
// backends share one model, so they get as many workers as a default thread
// pool: enough to keep every core busy, capped at 32.
func DefaultMaxWorkers(backend string) int {
	if backend == "worker" {
		return DefaultSubprocessWorkers
	}
	return min(32, runtime.NumCPU()+4)
}

// LoadEnv reads a .env file from the working directory if there is one.
// Variables already set in the environment win.
func LoadEnv() {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		log.Info("[Main] Couldn't load .env file: ", err.Error())
	}
}

func EnvString(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func EnvInt(key string, def int) int {
	v := EnvString(key, "")
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("[Main] Ignoring invalid ", key, "=", v)
		return def
	}
	return i
}

// ParseSeconds accepts Go durations ("5m") as well as plain seconds ("300").
func ParseSeconds(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// SplitList splits a comma separated value, dropping empty entries.
func SplitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterValidation("detector_backend", func(fl validator.FieldLevel) bool {
		return predict.IsDetectorBackend(fl.Field().String())
	})
	validate.RegisterValidation("recognition_model", func(fl validator.FieldLevel) bool {
		return predict.IsRecognitionModel(fl.Field().String())
	})
	return validate
}

func (c *Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		switch fe.Tag() {
		case "detector_backend":
			msgs = append(msgs, fmt.Sprintf("unknown detector backend %q (one of %s)", fe.Value(), strings.Join(predict.DetectorBackends, ", ")))
		case "recognition_model":
			msgs = append(msgs, fmt.Sprintf("unknown recognition model %q", fe.Value()))
		case "file":
			msgs = append(msgs, fmt.Sprintf("cascade classifier not found at %q, check CASCADE_PATH", fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("invalid %s: %v (%s)", fe.Field(), fe.Value(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// EmbeddingSize is the vector length the configured model produces.
func (c *Config) EmbeddingSize() int {
	return predict.EmbeddingSizes[c.RecognitionModel]
}
