package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/appflow/pkg/appflow"
	"github.com/randalmurphal/appflow/pkg/appflow/checkpoint"
	"github.com/randalmurphal/appflow/pkg/appflow/command"
	"github.com/randalmurphal/appflow/pkg/appflow/config"
	"github.com/randalmurphal/appflow/pkg/appflow/device"
	"github.com/randalmurphal/appflow/pkg/appflow/event"
	"github.com/randalmurphal/appflow/pkg/appflow/registry"
	"github.com/randalmurphal/appflow/pkg/appflow/tool"
)

// app carries what every subcommand needs. Fields left nil are built from
// settings on first use; tests set them to fakes.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	logLevel   string
	logFormat  string
	storeFlag  string
	jsonOutput bool

	settings config.Settings
	logger   *slog.Logger

	runner    command.Runner
	devices   device.Lister
	gateway   tool.Gateway
	store     checkpoint.Store
	ownsStore bool
	workflows *registry.Registry[string, workflow]
}

func newApp(out, errOut io.Writer) *app {
	return &app{out: out, errOut: &syncWriter{w: errOut}}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "appflow",
		Short:         "Run checkpointed app-building workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.store == nil || !a.ownsStore {
				return nil
			}
			a.ownsStore = false
			err := a.store.Close()
			a.store = nil
			return err
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Settings file (YAML or JSON)")
	flags.StringVar(&a.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "text", "Log format: text, json")
	flags.StringVar(&a.storeFlag, "store", "", "Checkpoint store: memory, sqlite, redis (overrides settings)")
	flags.BoolVar(&a.jsonOutput, "json", false, "Print results as JSON")

	root.AddCommand(
		newRunCmd(a),
		newResumeCmd(a),
		newStatusCmd(a),
		newThreadsCmd(a),
		newDevicesCmd(a),
		newWorkflowsCmd(a),
	)
	return root
}

func (a *app) setup() error {
	level, err := parseLevel(a.logLevel)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch a.logFormat {
	case "text":
		a.logger = slog.New(slog.NewTextHandler(a.errOut, opts))
	case "json":
		a.logger = slog.New(slog.NewJSONHandler(a.errOut, opts))
	default:
		return fmt.Errorf("unknown log format %q", a.logFormat)
	}

	a.settings = config.DefaultSettings()
	if a.configPath != "" {
		c, err := config.FromFile(a.configPath)
		if err != nil {
			return err
		}
		if a.settings, err = config.LoadSettings(c); err != nil {
			return err
		}
	}
	if a.storeFlag != "" {
		a.settings.Store.Driver = a.storeFlag
	}

	if a.runner == nil {
		a.runner = command.NewExecRunner(command.WithLogger(a.logger))
	}
	if a.workflows == nil {
		a.workflows = builtinWorkflows()
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return l, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// openStore returns the configured checkpoint store, opening it once.
func (a *app) openStore() (checkpoint.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s := a.settings.Store
	switch s.Driver {
	case config.DriverMemory:
		a.store = checkpoint.NewMemoryStore()
	case config.DriverSQLite:
		if dir := filepath.Dir(s.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		store, err := checkpoint.NewSQLiteStore(s.SQLitePath,
			checkpoint.WithSQLiteLockTTL(s.LockTTL),
			checkpoint.WithSQLiteLogger(a.logger),
		)
		if err != nil {
			return nil, err
		}
		a.store = store
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		a.store = checkpoint.NewRedisStore(client,
			checkpoint.WithLockTTL(s.LockTTL),
			checkpoint.WithRedisLogger(a.logger),
		)
	default:
		return nil, fmt.Errorf("unknown store driver %q", s.Driver)
	}
	a.ownsStore = true
	return a.store, nil
}

func (a *app) lister() device.Lister {
	if a.devices != nil {
		return a.devices
	}
	return device.NewDiscoverer(a.runner,
		device.WithMinimum(device.Android, a.settings.Devices.MinAndroid),
		device.WithMinimum(device.IOS, a.settings.Devices.MinIOS),
		device.WithLogger(a.logger),
	)
}

// toolGateway returns the injected gateway or the live CLI one. Workflows
// validate payloads against their own catalogs.
func (a *app) toolGateway(catalog *tool.Catalog) tool.Gateway {
	if a.gateway != nil {
		return a.gateway
	}
	t := a.settings.Tools
	return tool.NewCLIGateway(catalog, a.runner,
		tool.WithCLIPath(t.CLI),
		tool.WithModel(t.Model),
		tool.WithTimeout(t.Timeout),
		tool.WithLogger(a.logger),
	)
}

// executor builds the named workflow over the configured store. The
// returned bus carries the run's lifecycle and progress events.
func (a *app) executor(name string) (*appflow.Executor, *event.LocalBus, error) {
	wf, ok := a.workflows.Get(name)
	if !ok {
		return nil, nil, fmt.Errorf("unknown workflow %q (have %s)", name, strings.Join(a.workflows.Keys(), ", "))
	}
	bus := event.NewBus(event.BusConfig{NonBlocking: true})
	g, err := wf.build(a)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}
	store, err := a.openStore()
	if err != nil {
		bus.Close()
		return nil, nil, err
	}
	return appflow.NewExecutor(g, store,
		appflow.WithLogger(a.logger),
		appflow.WithEventBus(bus),
	), bus, nil
}
