package cli

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iudanet/fieldsync/internal/client/api"
	"github.com/iudanet/fieldsync/internal/client/iocli"
	"github.com/iudanet/fieldsync/internal/client/storage/boltdb"
	"github.com/iudanet/fieldsync/internal/client/sync"
	"github.com/iudanet/fieldsync/internal/config"
	"github.com/iudanet/fieldsync/internal/models"
)

var _ Engine = (*sync.Engine)(nil)

// ValidFormats допустимые значения --format
var ValidFormats = []string{FormatAuto, FormatText, FormatJSON}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	cfg        *config.Config
	ConfigPath string
	ServerURL  string
	DBPath     string
	Token      string
	Format     string
	LogLevel   string
}

// NewRootCommand creates the root command of the client CLI.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "fieldsync",
		Short:   "Offline-first entity sync client",
		Long:    "Edit entities locally while offline and synchronize them with the fieldsync server.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "server URL (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to local database (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "device access token (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatAuto, "output format (auto|text|json)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewPutCommand(opts),
		NewDeleteCommand(opts),
		NewGetCommand(opts),
		NewListCommand(opts),
		NewSyncCommand(opts),
		NewStatusCommand(opts),
		NewConflictsCommand(opts),
		NewResolveCommand(opts),
		NewDeadLettersCommand(opts),
		NewRequeueCommand(opts),
		NewWatchCommand(opts),
	)

	return cmd
}

// load читает конфигурацию и применяет явно заданные флаги поверх нее
func (o *RootOptions) load(cmd *cobra.Command) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return fmt.Errorf("invalid format %q: must be one of %v", o.Format, ValidFormats)
	}

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Client.ServerURL = o.ServerURL
	}
	if flags.Changed("db") {
		cfg.Client.DBPath = o.DBPath
	}
	if flags.Changed("token") {
		cfg.Client.Token = o.Token
	}
	// без файла конфигурации клиент по умолчанию молчалив
	if flags.Changed("log-level") || o.ConfigPath == "" {
		if _, err := config.ParseLevel(o.LogLevel); err != nil {
			return err
		}
		cfg.Log.Level = o.LogLevel
	}

	o.cfg = cfg
	return nil
}

// open открывает локальное хранилище и создает движок синхронизации
func (o *RootOptions) open(cmd *cobra.Command) (*Cli, func(), error) {
	ctx := cmd.Context()
	logger := o.cfg.NewLogger(cmd.ErrOrStderr())

	store, err := boltdb.New(ctx, o.cfg.Client.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	client := api.NewClient(o.cfg.Client.ServerURL, o.cfg.Client.Token)
	engine, err := sync.New(ctx, store, client, o.cfg.EngineConfig(), logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	closeFn := func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}

	stdio := iocli.NewStreams(cmd.InOrStdin(), cmd.OutOrStdout())
	return New(stdio, engine, o.Format), closeFn, nil
}

// runWith открывает движок на время одной команды
func (o *RootOptions) runWith(cmd *cobra.Command, fn func(c *Cli) error) error {
	c, closeFn, err := o.open(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(c)
}

// NewPutCommand creates the put command.
func NewPutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <type> <id|-> <key=value|key:=json>...",
		Short: "Create or update an entity locally",
		Long: `Apply a field patch to an entity and queue it for the server.

Fields not mentioned keep their values. key=value stores a string,
key:=json stores any JSON value, key:=null removes the field.
Use "-" as id to create an entity with a generated id.

Examples:
  fieldsync put contact c-1 name=Ann phone=+100
  fieldsync put deal - stage=lead amount:=1500
  fieldsync put deal d-1 notes="Call back tomorrow"`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[2:])
			if err != nil {
				return err
			}
			id := args[1]
			if id == "-" {
				id = uuid.New().String()
			}
			return opts.runWith(cmd, func(c *Cli) error {
				return c.runPut(cmd.Context(), args[0], id, fields)
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete an entity (tombstone)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runWith(cmd, func(c *Cli) error {
				return c.runDelete(cmd.Context(), args[0], args[1])
			})
		},
	}
}

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Show the local copy of an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runWith(cmd, func(c *Cli) error {
				return c.runGet(cmd.Context(), args[0], args[1])
			})
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	var where []string

	cmd := &cobra.Command{
		Use:   "list <type>",
		Short: "List live entities of a type",
		Example: `  fieldsync list deal
  fieldsync list deal --where stage=won`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseFilters(where)
			if err != nil {
				return err
			}
			return opts.runWith(cmd, func(c *Cli) error {
				return c.runList(cmd.Context(), args[0], filters)
			})
		},
	}

	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, "field filter key=value (repeatable)")
	return cmd
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push local changes and pull remote ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runWith(cmd, func(c *Cli) error {
				return c.runSync(cmd.Context())
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox, conflict and dead-letter counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runWith(cmd, func(c *Cli) error {
				return c.runStatus(cmd.Context())
			})
		},
	}
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List version conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runWith(cmd, func(c *Cli) error {
				return c.runConflicts(cmd.Context(), all)
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include resolved conflicts")
	return cmd
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(opts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "resolve <type> <id> [keep_local|keep_remote|merged] [key=value|key:=json]...",
		Short: "Resolve a pending conflict",
		Long: `Resolve the pending conflict of an entity.

keep_local re-sends the local version on top of the server one,
keep_remote discards the local changes, merged starts from the server
fields and applies the given values. Without a resolution the one
suggested by the conflict policy is applied.

Examples:
  fieldsync resolve deal d-1
  fieldsync resolve deal d-1 keep_local
  fieldsync resolve deal d-1 merged stage=won amount:=2000`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resolution models.Resolution
			if len(args) > 2 {
				resolution = models.Resolution(args[2])
			}
			fields, err := parseFields(args[min(3, len(args)):])
			if err != nil {
				return err
			}
			return opts.runWith(cmd, func(c *Cli) error {
				return c.runResolve(cmd.Context(), args[0], args[1], resolution, fields, !yes)
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// NewDeadLettersCommand creates the deadletters command.
func NewDeadLettersCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deadletters",
		Short: "List intents the server rejected permanently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runWith(cmd, func(c *Cli) error {
				return c.runDeadLetters(cmd.Context())
			})
		},
	}
}

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <intent-id>",
		Short: "Move a dead-lettered intent back to the outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runWith(cmd, func(c *Cli) error {
				return c.runRequeue(cmd.Context(), args[0])
			})
		},
	}
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync continuously and print status events",
		Long: `Run background synchronization until interrupted.

Syncs on start, every sync.interval and whenever the server reports
a change over its websocket feed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runWith(cmd, func(c *Cli) error {
				return c.runWatch(cmd.Context())
			})
		},
	}
}
