package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/etcdclient"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

func newAnnounceCommand() *cobra.Command {
	var (
		name     string
		host     string
		port     int
		weight   int
		ttl      time.Duration
		metadata map[string]string
	)

	cmd := &cobra.Command{
		Use:   "announce",
		Short: "在etcd中公告一个服务实例，进程退出时撤销",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || host == "" || port <= 0 || port > 65535 {
				return fmt.Errorf("--name、--host 和合法的 --port 都必须提供")
			}

			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer syncLogger(logger)

			etcd, err := etcdclient.Connect(cfg.Etcd, logger)
			if err != nil {
				return err
			}
			defer etcd.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			inst := model.NewServiceInstance(name, host, port, weight, metadata)
			leaseID, err := etcd.Announce(ctx, inst, ttl)
			if err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("撤销服务实例公告", zap.String("instance", inst.Key()))

			withdrawCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return etcd.Withdraw(withdrawCtx, leaseID)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&name, "name", "", "服务名称")
	flags.StringVar(&host, "host", "", "主机地址")
	flags.IntVar(&port, "port", 0, "端口")
	flags.IntVar(&weight, "weight", 1, "权重")
	flags.DurationVar(&ttl, "ttl", 30*time.Second, "租约TTL")
	flags.StringToStringVar(&metadata, "meta", nil, "元数据，如 version=v2")
	return cmd
}
