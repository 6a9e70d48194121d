package etcdclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// InstanceRecord etcd中保存的服务实例
type InstanceRecord struct {
	ServiceName string            `json:"service_name"`       // 服务名称
	Host        string            `json:"host"`               // 主机地址
	Port        int               `json:"port"`               // 端口
	Weight      int               `json:"weight"`             // 权重
	Metadata    map[string]string `json:"metadata,omitempty"` // 可选元数据（版本、区域等）
	AnnouncedAt time.Time         `json:"announced_at"`       // 公告时间
}

// RecordFromInstance 从实例生成公告记录
func RecordFromInstance(inst *model.ServiceInstance) InstanceRecord {
	return InstanceRecord{
		ServiceName: inst.ServiceName(),
		Host:        inst.Host(),
		Port:        inst.Port(),
		Weight:      inst.Weight(),
		Metadata:    inst.Metadata(),
		AnnouncedAt: time.Now().UTC(),
	}
}

// InstanceKey 生成实例键：{prefix}/{name}/{host}:{port}
func InstanceKey(prefix, serviceName, host string, port int) string {
	return normalizePrefix(prefix) + "/" + serviceName + "/" + net.JoinHostPort(host, strconv.Itoa(port))
}

// ParseInstanceKey 从实例键中解析服务名、主机和端口
func ParseInstanceKey(prefix, key string) (string, string, int, error) {
	rest, ok := strings.CutPrefix(key, normalizePrefix(prefix)+"/")
	if !ok {
		return "", "", 0, fmt.Errorf("键不在前缀下: %s", key)
	}
	name, addr, ok := strings.Cut(rest, "/")
	if !ok || name == "" || strings.Contains(addr, "/") {
		return "", "", 0, fmt.Errorf("无效的实例键: %s", key)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", 0, fmt.Errorf("无效的实例地址 %s: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", "", 0, fmt.Errorf("无效的端口: %s", portStr)
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("主机地址为空: %s", key)
	}
	return name, host, port, nil
}

// decodeInstance 以键为身份来源，值提供权重和元数据。值无法解析时使用默认权重。
func decodeInstance(prefix, key string, value []byte) (*model.ServiceInstance, error) {
	name, host, port, err := ParseInstanceKey(prefix, key)
	if err != nil {
		return nil, err
	}

	var record InstanceRecord
	if len(value) > 0 {
		if err := json.Unmarshal(value, &record); err != nil {
			return model.NewServiceInstance(name, host, port, 1, nil), fmt.Errorf("解析实例数据失败: %w", err)
		}
	}
	return model.NewServiceInstance(name, host, port, record.Weight, record.Metadata), nil
}

// Announce 写入带租约的实例公告，并在 ctx 结束前持续续约
func (c *Client) Announce(ctx context.Context, inst *model.ServiceInstance, ttl time.Duration) (clientv3.LeaseID, error) {
	if c.client == nil {
		return 0, ErrNotConnected
	}

	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	data, err := json.Marshal(RecordFromInstance(inst))
	if err != nil {
		return 0, fmt.Errorf("序列化服务实例失败: %w", err)
	}
	key := InstanceKey(c.prefix, inst.ServiceName(), inst.Host(), inst.Port())

	opCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	lease, err := c.client.Grant(opCtx, seconds)
	if err != nil {
		c.logger.Error("创建etcd租约失败", zap.Error(err))
		return 0, fmt.Errorf("创建etcd租约失败: %w", err)
	}
	if _, err := c.client.Put(opCtx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		c.logger.Error("公告服务实例失败", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("公告服务实例失败: %w", err)
	}

	keepAlive, err := c.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, fmt.Errorf("续约失败: %w", err)
	}
	go func() {
		// 通道关闭说明 ctx 已结束或租约丢失
		for range keepAlive {
		}
		c.logger.Debug("停止续约", zap.String("key", key))
	}()

	c.logger.Info("服务实例公告成功",
		zap.String("key", key),
		zap.Int64("ttl", seconds))
	return lease.ID, nil
}

// Withdraw 撤销租约，公告的实例随之删除
func (c *Client) Withdraw(ctx context.Context, leaseID clientv3.LeaseID) error {
	if c.client == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	if _, err := c.client.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("撤销租约失败: %w", err)
	}
	return nil
}

// Remove 直接删除实例键
func (c *Client) Remove(ctx context.Context, serviceName, host string, port int) error {
	if c.client == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	key := InstanceKey(c.prefix, serviceName, host, port)
	if _, err := c.client.Delete(ctx, key); err != nil {
		c.logger.Error("删除服务实例失败", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("删除服务实例失败: %w", err)
	}
	return nil
}

// List 读取前缀下的所有实例，无法解析的键被跳过
func (c *Client) List(ctx context.Context) ([]*model.ServiceInstance, error) {
	instances, _, err := c.load(ctx)
	return instances, err
}

// load 读取所有实例并返回读取时的 revision
func (c *Client) load(ctx context.Context) ([]*model.ServiceInstance, int64, error) {
	if c.client == nil {
		return nil, 0, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, c.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("读取服务实例失败: %w", err)
	}

	instances := make([]*model.ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inst, err := decodeInstance(c.prefix, string(kv.Key), kv.Value)
		if inst == nil {
			c.logger.Warn("跳过无效的实例键", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		if err != nil {
			c.logger.Warn("实例数据无效，使用默认权重", zap.String("key", string(kv.Key)), zap.Error(err))
		}
		instances = append(instances, inst)
	}
	return instances, resp.Header.Revision, nil
}
