// Package api 服务网格的管理HTTP接口
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/api/handler"
	"github.com/hewenyu/kong-mesh/pkg/api/router"
	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/mesh"
)

// Server 管理API服务
type Server struct {
	echo    *echo.Echo
	address string
	logger  config.Logger
	errCh   chan error
}

// NewServer 创建管理API服务并注册路由
func NewServer(cfg config.APIConfig, m *mesh.Mesh, logger config.Logger) *Server {
	if logger == nil {
		logger = config.NewNopLogger()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("管理API请求",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	router.RegisterRoutes(e, router.Handlers{
		Service: handler.NewServiceHandler(m),
		Queue:   handler.NewQueueHandler(m),
		Health:  handler.NewHealthHandler(m),
		Metrics: handler.NewMetricsHandler(m),
	})

	return &Server{
		echo:    e,
		address: cfg.Address(),
		logger:  logger,
		errCh:   make(chan error, 1),
	}
}

// Handler 返回底层的 http.Handler
func (s *Server) Handler() http.Handler { return s.echo }

// Start 以非阻塞方式启动服务，监听失败会通过 Errors 返回
func (s *Server) Start() {
	s.logger.Info("启动管理API服务", zap.String("address", s.address))

	go func() {
		if err := s.echo.Start(s.address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("管理API服务启动失败", zap.Error(err))
			s.errCh <- err
		}
	}()
}

// Errors 服务异常退出时收到错误
func (s *Server) Errors() <-chan error { return s.errCh }

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭管理API服务...")
	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Error("关闭管理API服务出错", zap.Error(err))
		return err
	}
	return nil
}
