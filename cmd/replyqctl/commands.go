package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/SirClappington/replyq/internal/config"
	"github.com/SirClappington/replyq/internal/domain"
	"github.com/SirClappington/replyq/internal/logger"
	"github.com/SirClappington/replyq/internal/queue"
	"github.com/SirClappington/replyq/internal/redisconn"
	"github.com/SirClappington/replyq/internal/storage"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "replyqctl",
		Short:        "Operator commands for the replyq job queue",
		SilenceUsage: true,
	}
	root.AddCommand(
		newStatsCommand(),
		newEnqueueCommand(),
		newDLQCommand(),
		newMigrateCommand(),
		newBotCommand(),
	)
	return root
}

// withQueue loads the environment config, connects to Redis and hands the
// configured queue to fn.
func withQueue(ctx context.Context, fn func(q *queue.RedisQ) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rdb, err := redisconn.Connect(ctx, redisconn.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer rdb.Close()
	return fn(queue.New(rdb, cfg.QueueName, logger.Nop()))
}

// withStore is withQueue for the Postgres side.
func withStore(ctx context.Context, fn func(s *storage.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return errors.Wrap(err, "postgres pool")
	}
	defer pool.Close()
	return fn(storage.New(pool))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pending, delayed and dead-lettered counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd.Context(), func(q *queue.RedisQ) error {
				st, err := q.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func newEnqueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue [file]",
		Short: "Queue a JSON payload read from file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			if !json.Valid(body) {
				return errors.New("payload is not valid JSON")
			}
			return withQueue(cmd.Context(), func(q *queue.RedisQ) error {
				return q.Enqueue(cmd.Context(), json.RawMessage(body))
			})
		},
	}
}

func newDLQCommand() *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead letters",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt64("limit")
			return withQueue(cmd.Context(), func(q *queue.RedisQ) error {
				items, err := q.DeadLetters(cmd.Context(), limit)
				if err != nil {
					return err
				}
				for _, item := range items {
					if _, err := io.WriteString(cmd.OutOrStdout(), item+"\n"); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	list.Flags().Int64("limit", 20, "maximum items to print")

	replay := &cobra.Command{
		Use:   "replay",
		Short: "Move the oldest dead letters back onto the queue with a fresh retry budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			count, _ := cmd.Flags().GetInt("count")
			return withQueue(cmd.Context(), func(q *queue.RedisQ) error {
				n, err := q.ReplayDeadLetters(cmd.Context(), count)
				if perr := printJSON(cmd.OutOrStdout(), map[string]int{"replayed": n}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	replay.Flags().Int("count", 1, "how many to replay")

	dlq.AddCommand(list, replay)
	return dlq
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return storage.Migrate(cfg.PostgresDSN, cfg.MigrationsDir)
		},
	}
}

func newBotCommand() *cobra.Command {
	bot := &cobra.Command{
		Use:   "bot",
		Short: "Manage the numbers the service answers for",
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Register a bot or update the one with the same phone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			var b domain.Bot
			b.Phone, _ = f.GetString("phone")
			b.Name, _ = f.GetString("name")
			b.Prompt, _ = f.GetString("prompt")
			b.Model, _ = f.GetString("model")
			b.Active, _ = f.GetBool("active")
			if file, _ := f.GetString("prompt-file"); file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				b.Prompt = string(raw)
			}
			return withStore(cmd.Context(), func(s *storage.Store) error {
				saved, err := s.UpsertBot(cmd.Context(), b)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), saved)
			})
		},
	}
	set.Flags().String("phone", "", "gateway account number, digits only")
	set.Flags().String("name", "", "unique display name")
	set.Flags().String("prompt", "", "system prompt")
	set.Flags().String("prompt-file", "", "read the system prompt from a file")
	set.Flags().String("model", "", "chat model, empty for the default")
	set.Flags().Bool("active", true, "answer messages sent to this number")
	_ = set.MarkFlagRequired("phone")
	_ = set.MarkFlagRequired("name")
	set.MarkFlagsMutuallyExclusive("prompt", "prompt-file")

	list := &cobra.Command{
		Use:   "list",
		Short: "Print every registered bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(s *storage.Store) error {
				bots, err := s.ListBots(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), bots)
			})
		},
	}

	bot.AddCommand(set, list)
	return bot
}
