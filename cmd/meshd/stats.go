package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newStatsCommand() *cobra.Command {
	var deadLetters int64

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "查看消息队列统计",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			stats, err := q.GetQueueStats(cmd.Context())
			if err != nil {
				return err
			}

			out := map[string]any{"stats": stats}
			if deadLetters > 0 {
				messages, err := q.DeadLetters(cmd.Context(), deadLetters)
				if err != nil {
					return err
				}
				out["dead_letters"] = messages
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().Int64Var(&deadLetters, "dead-letters", 0, "同时输出最近 N 条死信消息")
	return cmd
}
