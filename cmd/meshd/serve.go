package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/etcdclient"
	"github.com/hewenyu/kong-mesh/pkg/api"
	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/mesh"
	"github.com/hewenyu/kong-mesh/pkg/queue"
)

// 优雅关闭的最长等待时间
const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	var noQueue bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动服务网格和管理API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer syncLogger(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger, !noQueue)
		},
	}
	cmd.Flags().BoolVar(&noQueue, "no-queue", false, "不连接Redis，禁用消息队列")
	return cmd
}

// serve 组装并运行所有组件，阻塞到 ctx 结束或管理API异常退出
func serve(ctx context.Context, cfg *config.Config, logger config.Logger, withQueue bool) error {
	logger.Info("kong-mesh 启动中...",
		zap.String("api", cfg.API.Address()),
		zap.String("strategy", cfg.Client.Strategy),
		zap.Bool("queue", withQueue),
		zap.Bool("etcd", cfg.Etcd.Enabled))

	var (
		rdb *redis.Client
		m   *mesh.Mesh
		err error
	)
	if withQueue {
		rdb, err = queue.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		m, err = mesh.NewFromConfig(cfg, rdb, logger)
	} else {
		m, err = mesh.NewFromConfig(cfg, nil, logger)
	}
	if err != nil {
		return err
	}

	if cfg.Etcd.Enabled {
		etcd, err := etcdclient.Connect(cfg.Etcd, logger)
		if err != nil {
			return err
		}
		defer etcd.Close()

		if err := etcd.Mirror(ctx, m); err != nil {
			return fmt.Errorf("同步etcd服务实例失败: %w", err)
		}
		logger.Info("已开启etcd服务实例镜像", zap.String("prefix", etcd.Prefix()))
	}

	m.Start(ctx)

	server := api.NewServer(cfg.API, m, logger)
	server.Start()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("接收到关闭信号，正在优雅关闭...")
	case runErr = <-server.Errors():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	if err := m.Stop(shutdownCtx); err != nil {
		logger.Error("停止服务网格失败", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
