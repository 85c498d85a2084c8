package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"liquiditySync/internal/hotpool"
	"liquiditySync/internal/model"
	"liquiditySync/internal/price"
	"liquiditySync/internal/rpcpool"
	"liquiditySync/internal/statecache"
	"liquiditySync/internal/syncer"
	"liquiditySync/internal/weight"
)

const shutdownTimeout = 5 * time.Second

type Runner interface {
	Status() syncer.Status
	LastReport() (weight.Report, bool)
	Touch(pools []model.Pool, block uint64) int
}

type EndpointLister interface {
	Endpoints() []rpcpool.EndpointStatus
}

type HotSet interface {
	Entries() []hotpool.Entry
}

type CacheStats interface {
	Stats() statecache.Stats
}

type PriceSnapshot interface {
	Snapshot() []price.Quote
}

// Deps groups the read models served by the API. Any of them may be nil.
type Deps struct {
	Runner    Runner
	Endpoints EndpointLister
	Hot       HotSet
	Cache     CacheStats
	Prices    PriceSnapshot
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

// Server is the status API of the syncer.
type Server struct {
	*echo.Echo
	listen string
	deps   Deps
	logger *zap.Logger
}

func New(listen string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	s := &Server{Echo: e, listen: listen, deps: deps, logger: deps.Logger}
	s.registerRoutes()
	return s
}

// Serve listens until ctx is done and then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("listen", s.listen))
		errCh <- s.Start(s.listen)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	if err := s.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return err
	}
	return nil
}

func (s *Server) ShutdownWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.GET("/status", s.GetStatus)
	s.GET("/endpoints", s.GetEndpoints)
	s.GET("/hotpools", s.GetHotPools)
	s.GET("/weights", s.GetWeights)
	s.GET("/prices", s.GetPrices)
	s.POST("/touched", s.PostTouched)
	if s.deps.Gatherer != nil {
		s.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
}
