package main

import (
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/queue"
	"github.com/spf13/cobra"
)

func deadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and replay dead-lettered queue messages",
	}
	cmd.PersistentFlags().String("redis-addr", "", "Redis address (defaults to REDIS_ADDR)")
	cmd.PersistentFlags().String("queue", "activities:events", "Queue name")

	cmd.AddCommand(deadLetterListCmd())
	cmd.AddCommand(deadLetterReplayCmd())
	return cmd
}

func deadLetterListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			name, _ := cmd.Flags().GetString("queue")
			limit, _ := cmd.Flags().GetInt64("limit")
			msgs, err := q.DeadLetters(cmd.Context(), name, limit)
			if err != nil {
				return fmt.Errorf("list dead letters: %w", err)
			}
			if len(msgs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no dead letters on %s\n", name)
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, msg := range msgs {
				if err := enc.Encode(msg); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64P("limit", "n", 20, "Maximum messages")
	return cmd
}

func deadLetterReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Move a dead-lettered message back onto its queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			q, closeFn, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			name, _ := cmd.Flags().GetString("queue")
			if err := q.Replay(cmd.Context(), name, id); err != nil {
				return fmt.Errorf("replay %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %s onto %s\n", id, name)
			return nil
		},
	}
	cmd.Flags().String("id", "", "Message id")
	return cmd
}

func openQueue(cmd *cobra.Command) (queue.Queue, func(), error) {
	cfg := config.Load()
	addr, _ := cmd.Flags().GetString("redis-addr")
	if addr == "" {
		addr = cfg.Redis.Addr
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(cmd.Context()).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	q := queue.NewRedisQueue(client, queue.WithMaxDeliveries(cfg.Queue.MaxDeliveries))
	return q, func() { _ = client.Close() }, nil
}
