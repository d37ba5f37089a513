package commons

import (
	"github.com/getsentry/raven-go"
	log "github.com/sirupsen/logrus"
)

func SetupLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// SetupSentry enables error reporting. An empty dsn leaves reporting off.
func SetupSentry(dsn string) error {
	if dsn == "" {
		return nil
	}
	return raven.SetDSN(dsn)
}

func ReportError(err error, tags map[string]string) {
	if raven.DefaultClient.URL() == "" {
		return
	}
	raven.CaptureError(err, tags)
}

// FlushErrors waits until queued reports are sent.
func FlushErrors() {
	raven.Wait()
}
