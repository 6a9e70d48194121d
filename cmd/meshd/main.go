package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/queue"
)

var configFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "meshd",
		Short:        "kong-mesh 服务网格守护进程",
		Long:         "meshd 运行服务注册、健康检查、负载均衡和消息队列，并提供管理API。",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")

	root.AddCommand(newServeCommand())
	root.AddCommand(newPublishCommand())
	root.AddCommand(newStatsCommand())
	root.AddCommand(newAnnounceCommand())
	return root
}

// loadRuntime 加载配置并初始化日志
func loadRuntime() (*config.Config, config.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := config.NewLoggerWithLevel(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	path := configFile
	if path == "" {
		path = config.GetDefaultConfigPath()
	}
	logger.Debug("配置已加载", zap.String("file", path))
	return cfg, logger, nil
}

// openQueue 连接Redis并创建不启动工作协程的队列，用于发布和查询
func openQueue(ctx context.Context, cfg *config.Config, logger config.Logger) (*queue.Queue, *redis.Client, error) {
	rdb, err := queue.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	store := queue.NewRedisStore(rdb, cfg.Queue.HistoryLimit)
	return queue.New(store, logger, queue.OptionsFromConfig(cfg.Queue)), rdb, nil
}

func syncLogger(logger config.Logger) {
	if s, ok := logger.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}
