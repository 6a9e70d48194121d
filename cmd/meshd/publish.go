package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/queue"
)

type publishFlags struct {
	topic         string
	priority      string
	payloadType   string
	schemaVersion int
	data          string
	delay         time.Duration
	maxRetries    int
	timeout       time.Duration
	metadata      map[string]string
}

// build 把命令行参数转换为消息体和发布选项
func (f *publishFlags) build() (model.Payload, model.Priority, []queue.PublishOption, error) {
	if f.topic == "" {
		return model.Payload{}, 0, nil, fmt.Errorf("--topic 不能为空")
	}
	priority, err := model.ParsePriority(f.priority)
	if err != nil {
		return model.Payload{}, 0, nil, err
	}

	payload := model.Payload{Type: f.payloadType, SchemaVersion: f.schemaVersion}
	if f.data != "" {
		if !json.Valid([]byte(f.data)) {
			return model.Payload{}, 0, nil, fmt.Errorf("--data 不是合法的JSON")
		}
		payload.Data = json.RawMessage(f.data)
	}

	var opts []queue.PublishOption
	if f.delay > 0 {
		opts = append(opts, queue.WithDelay(f.delay))
	}
	if f.maxRetries >= 0 {
		opts = append(opts, queue.WithMaxRetries(f.maxRetries))
	}
	if f.timeout > 0 {
		opts = append(opts, queue.WithTimeout(f.timeout))
	}
	if len(f.metadata) > 0 {
		opts = append(opts, queue.WithMetadata(f.metadata))
	}
	return payload, priority, opts, nil
}

func newPublishCommand() *cobra.Command {
	f := &publishFlags{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "向消息队列发布一条消息",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, priority, opts, err := f.build()
			if err != nil {
				return err
			}

			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer syncLogger(logger)

			q, rdb, err := openQueue(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()

			id, err := q.Publish(cmd.Context(), f.topic, payload, priority, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.topic, "topic", "t", "", "消息主题")
	flags.StringVarP(&f.priority, "priority", "p", "normal", "优先级: low|normal|high|critical")
	flags.StringVar(&f.payloadType, "type", "", "消息体类型")
	flags.IntVar(&f.schemaVersion, "schema-version", 1, "消息体结构版本")
	flags.StringVarP(&f.data, "data", "d", "", "消息体JSON数据")
	flags.DurationVar(&f.delay, "delay", 0, "延迟投递时间，如 30s")
	flags.IntVar(&f.maxRetries, "max-retries", -1, "最大重试次数，负数表示使用默认值")
	flags.DurationVar(&f.timeout, "timeout", 0, "处理超时，如 5m")
	flags.StringToStringVar(&f.metadata, "meta", nil, "元数据，如 source=cli")
	return cmd
}
