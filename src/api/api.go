package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mtphotos/face-api/src/commons"
	"github.com/mtphotos/face-api/src/datastructures"
	"github.com/mtphotos/face-api/src/decoder"
)

const (
	Title = "mt-photos face recognition API"
	Link  = "https://mtmt.tech/docs/advanced/facial_api"

	// Uploads above this size are buffered on disk by the multipart parser.
	maxMultipartMemory = 32 << 20
)

// Representer runs inference on a decoded image, typically by handing it to
// a predict.Dispatcher.
type Representer interface {
	Represent(ctx context.Context, img *decoder.Image) ([]datastructures.Representation, error)
}

// Watchdog is the part of the idle watchdog the API drives.
type Watchdog interface {
	Reset()
	RestartNow()
}

type Server struct {
	cfg         *commons.Config
	representer Representer
	watchdog    Watchdog
}

func NewServer(cfg *commons.Config, representer Representer, watchdog Watchdog) *Server {
	return &Server{cfg: cfg, representer: representer, watchdog: watchdog}
}

// Router wires middleware and routes. The watchdog is reset for every
// request before anything else, failed authentication included.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.MaxMultipartMemory = maxMultipartMemory

	router.Use(requestID(), accessLog(), recovery())
	router.Use(resetWatchdog(s.watchdog))
	if len(s.cfg.CorsOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  s.cfg.CorsOrigins,
			AllowMethods:  []string{"GET", "POST"},
			AllowHeaders:  []string{"Origin", "Content-Type", "api-key"},
			ExposeHeaders: []string{"Content-Length", requestIDHeader},
			MaxAge:        12 * time.Hour,
		}))
	}

	router.GET("/", s.info)

	authorized := router.Group("/")
	authorized.Use(apiKeyAuth(s.cfg.ApiKey))
	{
		authorized.POST("/check", s.check)
		authorized.POST("/restart", s.restart)
		authorized.POST("/represent", s.represent)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
	})

	return router
}

func (s *Server) info(c *gin.Context) {
	c.JSON(http.StatusOK, datastructures.ServiceInfo{
		Title:            Title,
		Link:             Link,
		DetectorBackend:  s.cfg.DetectorBackend,
		RecognitionModel: s.cfg.RecognitionModel,
	})
}

func (s *Server) check(c *gin.Context) {
	c.JSON(http.StatusOK, datastructures.CheckResult{
		Result:           "pass",
		DetectorBackend:  s.cfg.DetectorBackend,
		RecognitionModel: s.cfg.RecognitionModel,
	})
}

// restart lets clients ask for a fresh process to release memory. With the
// real restarter this never returns.
func (s *Server) restart(c *gin.Context) {
	logger(c).Info("[Restart] Restart requested by client")
	s.watchdog.RestartNow()
	c.Status(http.StatusOK)
}

// HTTPServer wraps the router in a server listening on the configured port.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
