package server

import (
	"context"
	"net/http"

	"specimen-curator/app/config"
	"specimen-curator/app/handler"
	"specimen-curator/app/logger"
	"specimen-curator/app/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the read-only status server.
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server
}

func New(cfg *config.Config, log *logger.Logger, tasks *service.TaskStore, occurrences *service.OccurrenceStore, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config: cfg,
		Logger: log,
	}

	s.setupRoutes(handler.NewTaskHandler(tasks, occurrences, log), gatherer)
	return s
}

// Handler exposes the router for in-process requests.
func (s *Server) Handler() http.Handler {
	return s.gin
}

func (s *Server) Start() error {
	s.Logger.Infof("status server listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes(tasks *handler.TaskHandler, gatherer prometheus.Gatherer) {
	s.gin.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	s.gin.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	api := s.gin.Group("/api")
	{
		api.GET("/tasks", tasks.ListTasks)
		api.GET("/tasks/:id", tasks.GetTask)
		api.GET("/occurrences", tasks.GetOccurrences)
	}
}
