package queue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/backoff"
	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// Handler 处理一条消息，返回 true 且无错误表示处理成功
type Handler func(ctx context.Context, msg *model.Message) (bool, error)

const (
	DefaultWorkers           = 3
	DefaultPollInterval      = time.Second
	DefaultSchedulerInterval = 10 * time.Second
	DefaultRetryBaseDelay    = time.Second
	DefaultMaxRetryDelay     = 300 * time.Second

	// EventTopicPrefix 事件主题前缀
	EventTopicPrefix = "events."
)

// Options 队列配置
type Options struct {
	Workers           int
	PollInterval      time.Duration
	SchedulerInterval time.Duration
	RetryBaseDelay    time.Duration
	MaxRetryDelay     time.Duration
}

// OptionsFromConfig 从配置构造队列选项
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		Workers:           cfg.Workers,
		PollInterval:      cfg.PollInterval,
		SchedulerInterval: cfg.SchedulerInterval,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		MaxRetryDelay:     cfg.MaxRetryDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = DefaultWorkers
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SchedulerInterval <= 0 {
		o.SchedulerInterval = DefaultSchedulerInterval
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = DefaultMaxRetryDelay
	}
	return o
}

// PublishOption 发布选项
type PublishOption func(*model.Message)

// WithScheduledAt 指定执行时间
func WithScheduledAt(at time.Time) PublishOption {
	return func(m *model.Message) {
		t := at.UTC()
		m.ScheduledAt = &t
	}
}

// WithDelay 延迟执行
func WithDelay(d time.Duration) PublishOption {
	return func(m *model.Message) {
		t := time.Now().Add(d).UTC()
		m.ScheduledAt = &t
	}
}

// WithMaxRetries 最大重试次数
func WithMaxRetries(n int) PublishOption {
	return func(m *model.Message) {
		if n >= 0 {
			m.MaxRetries = n
		}
	}
}

// WithTimeout 处理超时，向上取整到秒
func WithTimeout(d time.Duration) PublishOption {
	return func(m *model.Message) {
		if d > 0 {
			m.Timeout = int(math.Ceil(d.Seconds()))
		}
	}
}

// WithMetadata 附加元数据
func WithMetadata(md map[string]string) PublishOption {
	return func(m *model.Message) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]string, len(md))
		}
		maps.Copy(m.Metadata, md)
	}
}

// Queue 基于持久化存储的优先级消息队列，带延迟投递、重试和死信
type Queue struct {
	store  Store
	opts   Options
	logger config.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New 创建消息队列
func New(store Store, logger config.Logger, opts Options) *Queue {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Queue{
		store:    store,
		opts:     opts.withDefaults(),
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Publish 发布消息，返回消息ID。只有写入存储失败时才返回错误。
func (q *Queue) Publish(ctx context.Context, topic string, payload model.Payload, priority model.Priority, opts ...PublishOption) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("消息主题不能为空")
	}

	msg := model.NewMessage(topic, payload, priority)
	for _, opt := range opts {
		opt(msg)
	}

	if !msg.IsDue(time.Now()) {
		if err := q.store.Schedule(ctx, msg, *msg.ScheduledAt); err != nil {
			return "", err
		}
		q.logger.Debug("延迟消息已发布",
			zap.String("id", msg.ID),
			zap.String("topic", topic),
			zap.Time("scheduled_at", *msg.ScheduledAt))
		return msg.ID, nil
	}

	if err := q.store.Enqueue(ctx, msg); err != nil {
		return "", err
	}
	q.logger.Debug("消息已发布",
		zap.String("id", msg.ID),
		zap.String("topic", topic),
		zap.String("priority", msg.Priority.String()))
	return msg.ID, nil
}

// PublishEvent 以 normal 优先级发布事件到 events.<eventType>
func (q *Queue) PublishEvent(ctx context.Context, eventType, source string, data any) (string, error) {
	payload, err := model.NewPayload(eventType, 1, data)
	if err != nil {
		return "", err
	}
	return q.Publish(ctx, EventTopicPrefix+eventType, payload, model.PriorityNormal,
		WithMetadata(map[string]string{
			"event_type": eventType,
			"source":     source,
		}))
}

// RegisterHandler 注册主题处理函数，同一主题重复注册时覆盖
func (q *Queue) RegisterHandler(topic string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = handler
	q.logger.Info("注册消息处理器", zap.String("topic", topic))
}

// Topics 返回已注册的主题，按名称排序
func (q *Queue) Topics() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return slices.Sorted(maps.Keys(q.handlers))
}

func (q *Queue) handler(topic string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[topic]
	return h, ok
}

// readyKeys 按出队顺序返回所有就绪队列键：优先级优先，其次主题名
func (q *Queue) readyKeys() []string {
	topics := q.Topics()
	keys := make([]string, 0, len(topics)*len(model.PrioritiesDescending))
	for _, p := range model.PrioritiesDescending {
		for _, topic := range topics {
			keys = append(keys, ReadyKey(topic, p))
		}
	}
	return keys
}

// Start 启动调度器和工作协程
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}

	ctx, q.cancel = context.WithCancel(ctx)
	q.running = true

	q.wg.Add(1)
	go q.schedulerLoop(ctx)

	for i := range q.opts.Workers {
		q.wg.Add(1)
		go q.workerLoop(ctx, i)
	}

	q.logger.Info("消息队列已启动",
		zap.Int("workers", q.opts.Workers),
		zap.Duration("poll_interval", q.opts.PollInterval),
		zap.Duration("scheduler_interval", q.opts.SchedulerInterval))
}

// Stop 停止调度器和工作协程，等待进行中的处理完成或 ctx 结束
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.cancel()
	q.running = false
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("消息队列已停止")
		return nil
	case <-ctx.Done():
		q.logger.Warn("等待消息处理完成超时")
		return fmt.Errorf("停止消息队列超时: %w", ctx.Err())
	}
}

// Running 是否正在运行
func (q *Queue) Running() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.running
}

func (q *Queue) schedulerLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.SchedulerInterval)
	defer ticker.Stop()

	for {
		if _, err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("调度延迟消息失败", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PromoteDue 立即把到期的延迟消息搬回就绪队列
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	n, err := q.store.PromoteDue(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Debug("延迟消息已到期", zap.Int("count", n))
	}
	return n, nil
}

func (q *Queue) workerLoop(ctx context.Context, id int) {
	defer q.wg.Done()

	for ctx.Err() == nil {
		msg, err := q.store.Pop(ctx, q.readyKeys())
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Error("读取消息失败", zap.Int("worker", id), zap.Error(err))
			}
			_ = backoff.Sleep(ctx, q.opts.PollInterval)
			continue
		}
		if msg == nil {
			_ = backoff.Sleep(ctx, q.opts.PollInterval)
			continue
		}

		// 已取出的消息脱离停止信号处理完，只受自身超时约束
		q.process(context.WithoutCancel(ctx), msg)
	}
}

// process 处理一条消息并记录结果
func (q *Queue) process(ctx context.Context, msg *model.Message) {
	handler, ok := q.handler(msg.Topic)
	if !ok {
		q.retry(ctx, msg, fmt.Errorf("主题 %s 没有处理器", msg.Topic))
		return
	}

	if err := q.invoke(ctx, handler, msg); err != nil {
		q.retry(ctx, msg, err)
		return
	}

	if err := q.store.Complete(ctx, msg); err != nil {
		q.logger.Error("记录完成消息失败", zap.String("id", msg.ID), zap.Error(err))
	}
	q.logger.Debug("消息处理成功", zap.String("id", msg.ID), zap.String("topic", msg.Topic))
}

// invoke 在消息超时内执行处理函数，panic 和超时都视为失败
func (q *Queue) invoke(ctx context.Context, handler Handler, msg *model.Message) error {
	timeout := msg.TimeoutDuration()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("处理器panic: %v", r)}
			}
		}()
		ok, err := handler(ctx, msg.Clone())
		done <- result{ok: ok, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		if !r.ok {
			return errors.New("处理器返回失败")
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("处理超时 (%s): %w", timeout, ctx.Err())
	}
}

// retry 重试次数未超过上限时延迟重投，否则进入死信
func (q *Queue) retry(ctx context.Context, msg *model.Message, cause error) {
	msg.RetryCount++

	if msg.RetryCount <= msg.MaxRetries {
		delay := backoff.Exponential(q.opts.RetryBaseDelay, msg.RetryCount, q.opts.MaxRetryDelay)
		at := time.Now().Add(delay).UTC()
		msg.ScheduledAt = &at

		q.logger.Warn("消息处理失败，等待重试",
			zap.String("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.Int("retry_count", msg.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(cause))

		if err := q.store.Schedule(ctx, msg, at); err != nil {
			q.logger.Error("重新调度消息失败", zap.String("id", msg.ID), zap.Error(err))
		}
		return
	}

	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string, 1)
	}
	msg.Metadata["last_error"] = cause.Error()

	q.logger.Error("消息重试耗尽，进入死信",
		zap.String("id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Int("retry_count", msg.RetryCount),
		zap.Error(cause))

	if err := q.store.Fail(ctx, msg); err != nil {
		q.logger.Error("记录死信失败", zap.String("id", msg.ID), zap.Error(err))
	}
}

// Stats 队列统计
type Stats struct {
	Queues    map[string]map[string]int64 `json:"queues"` // topic -> priority -> 深度
	Scheduled int64                       `json:"scheduled"`
	Completed int64                       `json:"completed"`
	Failed    int64                       `json:"failed"`
	Workers   int                         `json:"workers"`
	Running   bool                        `json:"running"`
	Topics    []string                    `json:"topics"`
}

// GetQueueStats 返回各主题、各优先级的队列深度以及全局计数
func (q *Queue) GetQueueStats(ctx context.Context) (*Stats, error) {
	raw, err := q.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Queues:    make(map[string]map[string]int64),
		Scheduled: raw.Scheduled,
		Completed: raw.Completed,
		Failed:    raw.Failed,
		Workers:   q.opts.Workers,
		Running:   q.Running(),
		Topics:    q.Topics(),
	}

	ensure := func(topic string) map[string]int64 {
		if stats.Queues[topic] == nil {
			depths := make(map[string]int64, len(model.PrioritiesDescending))
			for _, p := range model.PrioritiesDescending {
				depths[p.String()] = 0
			}
			stats.Queues[topic] = depths
		}
		return stats.Queues[topic]
	}
	for _, topic := range stats.Topics {
		ensure(topic)
	}
	for topic, depths := range raw.Queues {
		m := ensure(topic)
		for p, n := range depths {
			m[p.String()] = n
		}
	}
	return stats, nil
}

// DeadLetters 返回最近进入死信的消息
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*model.Message, error) {
	return q.store.DeadLetters(ctx, limit)
}

// Completed 返回最近处理成功的消息
func (q *Queue) Completed(ctx context.Context, limit int64) ([]*model.Message, error) {
	return q.store.Completed(ctx, limit)
}
