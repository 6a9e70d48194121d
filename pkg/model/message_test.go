package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type renderRequest struct {
	VideoID string `json:"video_id"`
	Preset  string `json:"preset"`
}

func TestNewMessageDefaults(t *testing.T) {
	payload, err := NewPayload("video.render.requested", 1, renderRequest{VideoID: "v-1", Preset: "1080p"})
	require.NoError(t, err)

	msg := NewMessage("render", payload, PriorityHigh)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "render", msg.Topic)
	assert.Equal(t, PriorityHigh, msg.Priority)
	assert.Equal(t, DefaultMaxRetries, msg.MaxRetries)
	assert.Equal(t, 300*time.Second, msg.TimeoutDuration())
	assert.Nil(t, msg.ScheduledAt)
	assert.True(t, msg.IsDue(time.Now()))

	// 非法优先级回退为 normal
	assert.Equal(t, PriorityNormal, NewMessage("render", payload, Priority(9)).Priority)
}

func TestMessageWireFormat(t *testing.T) {
	payload, err := NewPayload("clip.ready", 2, map[string]string{"clip_id": "c-9"})
	require.NoError(t, err)

	msg := NewMessage("clips", payload, PriorityCritical)
	at := time.Now().Add(time.Minute).UTC()
	msg.ScheduledAt = &at
	msg.Metadata["tenant"] = "acme"

	data, err := msg.Encode()
	require.NoError(t, err)

	// 存储格式的字段名必须保持稳定
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, field := range []string{"id", "topic", "payload", "priority", "created_at", "scheduled_at", "retry_count", "max_retries", "timeout", "metadata"} {
		assert.Contains(t, raw, field)
	}
	assert.EqualValues(t, 4, raw["priority"])
	assert.EqualValues(t, 300, raw["timeout"])

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.False(t, decoded.IsDue(time.Now()))

	var body map[string]string
	require.NoError(t, decoded.Payload.Decode(&body))
	assert.Equal(t, "c-9", body["clip_id"])
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"low":      PriorityLow,
		"HIGH":     PriorityHigh,
		"4":        PriorityCritical,
		"":         PriorityNormal,
		"normal":   PriorityNormal,
		"critical": PriorityCritical,
	}
	for in, want := range cases {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}

func TestMessageClone(t *testing.T) {
	msg := NewMessage("render", Payload{Type: "x"}, PriorityLow)
	at := time.Now()
	msg.ScheduledAt = &at
	msg.Metadata["k"] = "v"

	c := msg.Clone()
	c.Metadata["k"] = "changed"
	later := at.Add(time.Hour)
	c.ScheduledAt = &later

	assert.Equal(t, "v", msg.Metadata["k"])
	assert.Equal(t, at, *msg.ScheduledAt)
}
