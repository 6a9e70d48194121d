package etcdclient

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// 监听中断后重新同步前的等待时间
const resyncDelay = time.Second

// Sink 接收镜像结果的本地注册中心
type Sink interface {
	Register(inst *model.ServiceInstance) *model.ServiceInstance
	Deregister(serviceName, host string, port int) bool
}

// instanceID 实例身份
type instanceID struct {
	name string
	host string
	port int
}

func idOf(inst *model.ServiceInstance) instanceID {
	return instanceID{name: inst.ServiceName(), host: inst.Host(), port: inst.Port()}
}

// Mirror 先把etcd中已有的实例加载到 sink，再在后台持续监听变化直到 ctx 结束。
// 只有首次加载失败时返回错误。
func (c *Client) Mirror(ctx context.Context, sink Sink) error {
	known := make(map[instanceID]struct{})
	rev, err := c.sync(ctx, sink, known)
	if err != nil {
		return err
	}

	go c.watchLoop(ctx, sink, rev, known)
	return nil
}

// sync 全量加载并注册，known 中存在但etcd中已消失的实例会被注销
func (c *Client) sync(ctx context.Context, sink Sink, known map[instanceID]struct{}) (int64, error) {
	instances, rev, err := c.load(ctx)
	if err != nil {
		c.logger.Error("加载服务实例失败", zap.String("prefix", c.prefix), zap.Error(err))
		return 0, err
	}

	seen := make(map[instanceID]struct{}, len(instances))
	for _, inst := range instances {
		sink.Register(inst)
		seen[idOf(inst)] = struct{}{}
	}
	for id := range known {
		if _, ok := seen[id]; !ok {
			sink.Deregister(id.name, id.host, id.port)
			delete(known, id)
		}
	}
	for id := range seen {
		known[id] = struct{}{}
	}

	c.logger.Info("已同步etcd中的服务实例",
		zap.String("prefix", c.prefix),
		zap.Int("count", len(instances)),
		zap.Int64("revision", rev))
	return rev, nil
}

func (c *Client) watchLoop(ctx context.Context, sink Sink, rev int64, known map[instanceID]struct{}) {
	for {
		err := c.watch(ctx, sink, rev, known)
		if ctx.Err() != nil {
			c.logger.Info("停止监听etcd", zap.String("prefix", c.prefix))
			return
		}
		c.logger.Warn("etcd监听中断，准备重新同步", zap.String("prefix", c.prefix), zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(resyncDelay):
		}

		next, err := c.sync(ctx, sink, known)
		if err != nil {
			continue
		}
		rev = next
	}
}

// watch 从 rev+1 开始监听，通道关闭或被取消时返回
func (c *Client) watch(ctx context.Context, sink Sink, rev int64, known map[instanceID]struct{}) error {
	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	watchChan := c.client.Watch(watchCtx, c.prefix+"/", clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range watchChan {
		if err := resp.Err(); err != nil {
			return err
		}
		for _, ev := range resp.Events {
			key := string(ev.Kv.Key)
			switch ev.Type {
			case clientv3.EventTypePut:
				if inst := c.applyPut(sink, key, ev.Kv.Value); inst != nil {
					known[idOf(inst)] = struct{}{}
				}
			case clientv3.EventTypeDelete:
				if id, ok := c.applyDelete(sink, key); ok {
					delete(known, id)
				}
			}
		}
	}
	return fmt.Errorf("监听通道已关闭")
}

// applyPut 把新增或更新的实例写入 sink
func (c *Client) applyPut(sink Sink, key string, value []byte) *model.ServiceInstance {
	inst, err := decodeInstance(c.prefix, key, value)
	if inst == nil {
		c.logger.Warn("忽略无效的实例键", zap.String("key", key), zap.Error(err))
		return nil
	}
	if err != nil {
		c.logger.Warn("实例数据无效，使用默认权重", zap.String("key", key), zap.Error(err))
	}

	stored := sink.Register(inst)
	c.logger.Debug("etcd实例更新", zap.String("key", key))
	return stored
}

// applyDelete 把删除的实例从 sink 注销
func (c *Client) applyDelete(sink Sink, key string) (instanceID, bool) {
	name, host, port, err := ParseInstanceKey(c.prefix, key)
	if err != nil {
		c.logger.Warn("忽略无效的实例键", zap.String("key", key), zap.Error(err))
		return instanceID{}, false
	}

	sink.Deregister(name, host, port)
	c.logger.Debug("etcd实例删除", zap.String("key", key))
	return instanceID{name: name, host: host, port: port}, true
}
