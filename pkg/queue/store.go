package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

const (
	readyKeyPrefix = "queue:"
	scheduledKey   = "scheduled_messages"
	completedKey   = "completed_messages"
	failedKey      = "failed_messages"

	// DefaultHistoryLimit completed/failed 列表保留的条数
	DefaultHistoryLimit = 1000

	// 每次调度最多搬运的消息数
	promoteBatchSize = 500
	scanBatchSize    = 100
)

// ReadyKey 返回 (topic, priority) 对应的就绪队列键
func ReadyKey(topic string, priority model.Priority) string {
	return readyKeyPrefix + topic + ":" + strconv.Itoa(int(priority))
}

// parseReadyKey 解析就绪队列键，主题中可以包含冒号
func parseReadyKey(key string) (string, model.Priority, bool) {
	rest, ok := strings.CutPrefix(key, readyKeyPrefix)
	if !ok {
		return "", 0, false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(rest[idx+1:])
	if err != nil || !model.Priority(n).Valid() {
		return "", 0, false
	}
	return rest[:idx], model.Priority(n), true
}

// Store 消息的持久化存储，是消息处置状态的唯一来源
type Store interface {
	// Enqueue 放入就绪队列
	Enqueue(ctx context.Context, msg *model.Message) error
	// Schedule 放入延迟集合，到期后由调度器搬回就绪队列
	Schedule(ctx context.Context, msg *model.Message, at time.Time) error
	// Pop 按给定顺序原子地弹出第一条就绪消息，没有消息时返回 nil, nil
	Pop(ctx context.Context, keys []string) (*model.Message, error)
	// PromoteDue 把到期的延迟消息搬回就绪队列，返回搬运条数
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	// Complete 记录处理成功的消息
	Complete(ctx context.Context, msg *model.Message) error
	// Fail 记录进入死信的消息
	Fail(ctx context.Context, msg *model.Message) error
	// Stats 返回各队列深度和全局计数
	Stats(ctx context.Context) (*StoreStats, error)
	// Completed 返回最近处理成功的消息
	Completed(ctx context.Context, limit int64) ([]*model.Message, error)
	// DeadLetters 返回最近进入死信的消息
	DeadLetters(ctx context.Context, limit int64) ([]*model.Message, error)
}

// StoreStats 存储层统计
type StoreStats struct {
	Queues    map[string]map[model.Priority]int64
	Scheduled int64
	Completed int64
	Failed    int64
}

// promoteScript 原子地取出到期消息并按 topic/priority 放回就绪队列，无法解析的消息进入死信
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, raw in ipairs(due) do
	redis.call('ZREM', KEYS[1], raw)
	local ok, msg = pcall(cjson.decode, raw)
	if ok and type(msg) == 'table' and msg.topic and msg.priority then
		redis.call('LPUSH', ARGV[2] .. msg.topic .. ':' .. tostring(msg.priority), raw)
	else
		redis.call('LPUSH', KEYS[2], raw)
		redis.call('LTRIM', KEYS[2], 0, tonumber(ARGV[4]) - 1)
	end
end
return #due
`)

// RedisStore 基于Redis的消息存储
type RedisStore struct {
	client       redis.UniversalClient
	historyLimit int64
}

// NewRedisStore 创建Redis存储，historyLimit 小于1时使用默认值
func NewRedisStore(client redis.UniversalClient, historyLimit int64) *RedisStore {
	if historyLimit < 1 {
		historyLimit = DefaultHistoryLimit
	}
	return &RedisStore{client: client, historyLimit: historyLimit}
}

// Connect 根据配置创建Redis客户端，支持 redis:// URL 和 host:port
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("解析Redis地址失败: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}
	return client, nil
}

// Enqueue 放入就绪队列
func (s *RedisStore) Enqueue(ctx context.Context, msg *model.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := s.client.LPush(ctx, ReadyKey(msg.Topic, msg.Priority), data).Err(); err != nil {
		return fmt.Errorf("写入就绪队列失败: %w", err)
	}
	return nil
}

// Schedule 放入延迟集合，分数为执行时间的Unix时间戳（秒，带小数）
func (s *RedisStore) Schedule(ctx context.Context, msg *model.Message, at time.Time) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	z := redis.Z{Score: unixSeconds(at), Member: data}
	if err := s.client.ZAdd(ctx, scheduledKey, z).Err(); err != nil {
		return fmt.Errorf("写入延迟队列失败: %w", err)
	}
	return nil
}

// Pop 按顺序尝试每个就绪队列
func (s *RedisStore) Pop(ctx context.Context, keys []string) (*model.Message, error) {
	for _, key := range keys {
		raw, err := s.client.RPop(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("读取就绪队列 %s 失败: %w", key, err)
		}

		msg, err := model.DecodeMessage(raw)
		if err != nil {
			// 无法解析的消息直接进入死信，避免反复弹出
			_ = s.pushHistory(ctx, failedKey, raw)
			return nil, err
		}
		return msg, nil
	}
	return nil, nil
}

// PromoteDue 执行调度脚本
func (s *RedisStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, s.client,
		[]string{scheduledKey, failedKey},
		strconv.FormatFloat(unixSeconds(now), 'f', -1, 64),
		readyKeyPrefix,
		promoteBatchSize,
		s.historyLimit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("调度延迟消息失败: %w", err)
	}
	return n, nil
}

// Complete 记录处理成功的消息
func (s *RedisStore) Complete(ctx context.Context, msg *model.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.pushHistory(ctx, completedKey, data)
}

// Fail 记录进入死信的消息
func (s *RedisStore) Fail(ctx context.Context, msg *model.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.pushHistory(ctx, failedKey, data)
}

func (s *RedisStore) pushHistory(ctx context.Context, key string, data []byte) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, s.historyLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", key, err)
	}
	return nil
}

// Stats 扫描所有就绪队列并统计深度
func (s *RedisStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{Queues: make(map[string]map[model.Priority]int64)}

	iter := s.client.Scan(ctx, 0, readyKeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		topic, priority, ok := parseReadyKey(iter.Val())
		if !ok {
			continue
		}
		depth, err := s.client.LLen(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("读取队列长度失败: %w", err)
		}
		if stats.Queues[topic] == nil {
			stats.Queues[topic] = make(map[model.Priority]int64)
		}
		stats.Queues[topic][priority] = depth
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("扫描就绪队列失败: %w", err)
	}

	pipe := s.client.Pipeline()
	scheduled := pipe.ZCard(ctx, scheduledKey)
	completed := pipe.LLen(ctx, completedKey)
	failed := pipe.LLen(ctx, failedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("读取队列统计失败: %w", err)
	}
	stats.Scheduled = scheduled.Val()
	stats.Completed = completed.Val()
	stats.Failed = failed.Val()
	return stats, nil
}

// Completed 返回最近处理成功的消息，最新的在前
func (s *RedisStore) Completed(ctx context.Context, limit int64) ([]*model.Message, error) {
	return s.history(ctx, completedKey, limit)
}

// DeadLetters 返回最近进入死信的消息，最新的在前
func (s *RedisStore) DeadLetters(ctx context.Context, limit int64) ([]*model.Message, error) {
	return s.history(ctx, failedKey, limit)
}

func (s *RedisStore) history(ctx context.Context, key string, limit int64) ([]*model.Message, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	raws, err := s.client.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取 %s 失败: %w", key, err)
	}

	messages := make([]*model.Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := model.DecodeMessage([]byte(raw))
		if err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
