package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/mesh"
	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/queue"
)

// defaultDeadLetterLimit 死信列表默认返回条数
const defaultDeadLetterLimit = 100

// PublishRequest 消息发布请求
type PublishRequest struct {
	Topic       string            `json:"topic"`
	Payload     model.Payload     `json:"payload"`
	Priority    json.RawMessage   `json:"priority"`     // 名称或 1..4
	Delay       string            `json:"delay"`        // 如 30s
	ScheduledAt *time.Time        `json:"scheduled_at"` // 与 delay 同时出现时以它为准
	MaxRetries  *int              `json:"max_retries"`
	Timeout     int               `json:"timeout"` // 秒
	Metadata    map[string]string `json:"metadata"`
}

// options 把请求转换为发布选项
func (r *PublishRequest) options() ([]queue.PublishOption, error) {
	var opts []queue.PublishOption
	if r.Delay != "" {
		d, err := time.ParseDuration(r.Delay)
		if err != nil {
			return nil, errors.New("delay格式无效: " + err.Error())
		}
		opts = append(opts, queue.WithDelay(d))
	}
	if r.ScheduledAt != nil {
		opts = append(opts, queue.WithScheduledAt(*r.ScheduledAt))
	}
	if r.MaxRetries != nil {
		if *r.MaxRetries < 0 {
			return nil, errors.New("max_retries不能为负数")
		}
		opts = append(opts, queue.WithMaxRetries(*r.MaxRetries))
	}
	if r.Timeout < 0 {
		return nil, errors.New("timeout不能为负数")
	}
	if r.Timeout > 0 {
		opts = append(opts, queue.WithTimeout(time.Duration(r.Timeout)*time.Second))
	}
	if len(r.Metadata) > 0 {
		opts = append(opts, queue.WithMetadata(r.Metadata))
	}
	return opts, nil
}

// parsePriority 同时接受 "high" 和 3 两种写法
func parsePriority(raw json.RawMessage) (model.Priority, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return model.PriorityNormal, nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	return model.ParsePriority(s)
}

// QueueHandler 消息队列相关API
type QueueHandler struct {
	mesh *mesh.Mesh
}

// NewQueueHandler 创建消息队列处理器
func NewQueueHandler(m *mesh.Mesh) *QueueHandler {
	return &QueueHandler{mesh: m}
}

// GetStats 返回队列深度和全局计数
func (h *QueueHandler) GetStats(c echo.Context) error {
	stats, err := h.mesh.GetQueueStats(c.Request().Context())
	if err != nil {
		return queueError(c, "获取队列统计失败: ", err)
	}
	return success(c, stats)
}

// ListDeadLetters 返回最近进入死信的消息
func (h *QueueHandler) ListDeadLetters(c echo.Context) error {
	limit := int64(defaultDeadLetterLimit)
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return fail(c, http.StatusBadRequest, "limit必须为正整数")
		}
		limit = n
	}

	messages, err := h.mesh.DeadLetters(c.Request().Context(), limit)
	if err != nil {
		return queueError(c, "获取死信消息失败: ", err)
	}
	return success(c, map[string]any{
		"messages": messages,
		"count":    len(messages),
	})
}

// PublishMessage 发布消息
func (h *QueueHandler) PublishMessage(c echo.Context) error {
	var req PublishRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "请求参数无效: "+err.Error())
	}
	if req.Topic == "" {
		return fail(c, http.StatusBadRequest, "topic不能为空")
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}
	opts, err := req.options()
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}

	id, err := h.mesh.Publish(c.Request().Context(), req.Topic, req.Payload, priority, opts...)
	if err != nil {
		return queueError(c, "消息发布失败: ", err)
	}

	return c.JSON(http.StatusAccepted, Response{
		Code:    http.StatusAccepted,
		Message: "消息已发布",
		Data: map[string]any{
			"id":       id,
			"topic":    req.Topic,
			"priority": priority.String(),
		},
	})
}

func queueError(c echo.Context, prefix string, err error) error {
	if errors.Is(err, mesh.ErrQueueDisabled) {
		return fail(c, http.StatusServiceUnavailable, err.Error())
	}
	return fail(c, http.StatusInternalServerError, prefix+err.Error())
}
