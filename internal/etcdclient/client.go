// Package etcdclient 把etcd中公告的服务实例同步到本地注册中心
package etcdclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/config"
)

// etcd操作的超时时间
const etcdTimeout = 5 * time.Second

// DefaultPrefix 服务实例键的默认前缀
const DefaultPrefix = "/services"

// ErrNotConnected 客户端尚未连接
var ErrNotConnected = errors.New("etcd客户端未连接")

// Client etcd客户端，负责实例公告和注册中心镜像
type Client struct {
	client    *clientv3.Client
	endpoints []string
	prefix    string
	logger    config.Logger
}

// Connect 根据配置连接到etcd集群
func Connect(cfg config.EtcdConfig, logger config.Logger) (*Client, error) {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd地址不能为空")
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = etcdTimeout
	}

	logger.Info("连接到etcd集群", zap.Strings("endpoints", cfg.Endpoints))
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		logger.Error("连接etcd失败", zap.Error(err))
		return nil, fmt.Errorf("连接etcd失败: %w", err)
	}

	return &Client{
		client:    cli,
		endpoints: cfg.Endpoints,
		prefix:    normalizePrefix(cfg.Prefix),
		logger:    logger,
	}, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return DefaultPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix
}

// Prefix 服务实例键前缀
func (c *Client) Prefix() string { return c.prefix }

// Close 关闭连接
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.logger.Info("关闭etcd连接")
	return c.client.Close()
}

// Ping 检查etcd集群状态
func (c *Client) Ping(ctx context.Context) error {
	if c.client == nil || len(c.endpoints) == 0 {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	if _, err := c.client.Status(ctx, c.endpoints[0]); err != nil {
		c.logger.Error("etcd健康检查失败", zap.Error(err))
		return fmt.Errorf("etcd健康检查失败: %w", err)
	}
	return nil
}
