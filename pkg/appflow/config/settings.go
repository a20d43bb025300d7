package config

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	apperrors "github.com/randalmurphal/appflow/pkg/appflow/errors"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Settings is the typed configuration.
type Settings struct {
	Store    StoreSettings
	Build    BuildSettings
	Progress ProgressSettings
	Devices  DeviceSettings
	Tools    ToolSettings

	// OutputDir is where workflow artifacts (PRD documents) are written.
	OutputDir string

	// Toolchains holds build commands keyed by platform.
	Toolchains map[string]Toolchain
}

// StoreSettings selects the checkpoint store.
type StoreSettings struct {
	Driver     string
	SQLitePath string
	RedisAddr  string
	LockTTL    time.Duration
}

// BuildSettings bounds the build/recover loop.
type BuildSettings struct {
	MaxAttempts int
	Timeout     time.Duration
	Backoff     time.Duration
}

// ProgressSettings controls heartbeat emission.
type ProgressSettings struct {
	Interval time.Duration
}

// DeviceSettings sets the lowest compatible platform version per platform.
type DeviceSettings struct {
	MinAndroid string
	MinIOS     string
}

// ToolSettings configures the external tool gateway.
type ToolSettings struct {
	CLI     string
	Model   string
	Timeout time.Duration
}

// Command is one program invocation. Args and Dir may contain {name}
// placeholders filled in by Expand.
type Command struct {
	Args []string
	Dir  string
}

// Program returns the executable, or "" for an empty command.
func (c Command) Program() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// Expand fills {name} placeholders from vars.
func (c Command) Expand(vars map[string]string) Command {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	out := Command{Dir: r.Replace(c.Dir), Args: make([]string, len(c.Args))}
	for i, a := range c.Args {
		out.Args[i] = r.Replace(a)
	}
	return out
}

// With returns the command with extra arguments appended.
func (c Command) With(args ...string) Command {
	out := Command{Dir: c.Dir, Args: make([]string, 0, len(c.Args)+len(args))}
	out.Args = append(append(out.Args, c.Args...), args...)
	return out
}

// String joins the arguments for display.
func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Toolchain is the set of commands one platform's workflow runs.
type Toolchain struct {
	// Progress names the progress estimator preset ("gradle", "xcode").
	Progress string

	Scaffold []Command
	Build    Command

	// Recover lists recovery commands; attempt n runs entry n-1, and the
	// last entry repeats for later attempts.
	Recover []Command

	// RetryFlags are appended to Build on every attempt after the first.
	RetryFlags []string

	Install Command
	Launch  Command
}

// RecoverFor returns the recovery command after the n-th failed attempt.
func (t Toolchain) RecoverFor(n int) (Command, bool) {
	if len(t.Recover) == 0 {
		return Command{}, false
	}
	return t.Recover[min(max(n, 1), len(t.Recover))-1], true
}

// BuildFor returns the build command for attempt n.
func (t Toolchain) BuildFor(n int) Command {
	if n > 1 && len(t.RetryFlags) > 0 {
		return t.Build.With(t.RetryFlags...)
	}
	return t.Build
}

func cmd(line, dir string) Command {
	return Command{Args: strings.Fields(line), Dir: dir}
}

// DefaultToolchains returns Expo + Gradle for Android and Expo + Xcode for iOS.
func DefaultToolchains() map[string]Toolchain {
	return map[string]Toolchain{
		"android": {
			Progress: "gradle",
			Scaffold: []Command{
				cmd("npx create-expo-app@latest {app_name} --yes --template blank", ""),
				cmd("npx expo prebuild --platform android --no-install", "{app_name}"),
			},
			Build: cmd("./gradlew assembleDebug --console=plain", "{app_name}/android"),
			Recover: []Command{
				cmd("./gradlew clean --console=plain", "{app_name}/android"),
				cmd("./gradlew --stop", "{app_name}/android"),
			},
			RetryFlags: []string{"--no-build-cache", "--refresh-dependencies"},
			Install:    cmd("adb -s {device} install -r app/build/outputs/apk/debug/app-debug.apk", "{app_name}/android"),
			Launch:     cmd("adb -s {device} shell monkey -p {bundle_id} -c android.intent.category.LAUNCHER 1", ""),
		},
		"ios": {
			Progress: "xcode",
			Scaffold: []Command{
				cmd("npx create-expo-app@latest {app_name} --yes --template blank", ""),
				cmd("npx expo prebuild --platform ios", "{app_name}"),
			},
			Build: cmd("xcodebuild -workspace {app_name}.xcworkspace -scheme {app_name} -configuration Debug -sdk iphonesimulator -derivedDataPath build build", "{app_name}/ios"),
			Recover: []Command{
				cmd("xcodebuild -workspace {app_name}.xcworkspace -scheme {app_name} clean", "{app_name}/ios"),
				cmd("pod install --repo-update", "{app_name}/ios"),
			},
			RetryFlags: []string{"-disableAutomaticPackageResolution"},
			Install:    cmd("xcrun simctl install {device} build/Build/Products/Debug-iphonesimulator/{app_name}.app", "{app_name}/ios"),
			Launch:     cmd("xcrun simctl launch {device} {bundle_id}", ""),
		},
	}
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() Settings {
	return Settings{
		Store: StoreSettings{
			Driver:     DriverSQLite,
			SQLitePath: ".appflow/checkpoints.db",
			RedisAddr:  "localhost:6379",
			LockTTL:    30 * time.Second,
		},
		Build: BuildSettings{
			MaxAttempts: 3,
			Timeout:     20 * time.Minute,
			Backoff:     2 * time.Second,
		},
		Progress:   ProgressSettings{Interval: time.Second},
		Devices:    DeviceSettings{MinAndroid: "30", MinIOS: "16.0"},
		Tools:      ToolSettings{CLI: "claude", Timeout: 5 * time.Minute},
		OutputDir:  "prd-output",
		Toolchains: DefaultToolchains(),
	}
}

// LoadSettings reads settings from c, filling gaps with DefaultSettings.
// Toolchain entries override the defaults field by field.
func LoadSettings(c Config) (Settings, error) {
	s := DefaultSettings()

	s.Store.Driver = c.String("store.driver", s.Store.Driver)
	s.Store.SQLitePath = c.String("store.sqlite_path", s.Store.SQLitePath)
	s.Store.RedisAddr = c.String("store.redis_addr", s.Store.RedisAddr)
	s.Store.LockTTL = c.Duration("store.lock_ttl", s.Store.LockTTL)

	s.Build.MaxAttempts = c.Int("build.max_attempts", s.Build.MaxAttempts)
	s.Build.Timeout = c.Duration("build.timeout", s.Build.Timeout)
	s.Build.Backoff = c.Duration("build.backoff", s.Build.Backoff)

	s.Progress.Interval = c.Duration("progress.interval", s.Progress.Interval)

	s.Devices.MinAndroid = c.String("devices.min_android", s.Devices.MinAndroid)
	s.Devices.MinIOS = c.String("devices.min_ios", s.Devices.MinIOS)

	s.Tools.CLI = c.String("tools.cli", s.Tools.CLI)
	s.Tools.Model = c.String("tools.model", s.Tools.Model)
	s.Tools.Timeout = c.Duration("tools.timeout", s.Tools.Timeout)

	s.OutputDir = c.String("output_dir", s.OutputDir)

	var errs []error
	chains := c.Section("toolchains")
	s.Toolchains = maps.Clone(s.Toolchains)
	for _, name := range chains.Keys() {
		tc, err := loadToolchain(chains.Section(name), s.Toolchains[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("toolchains.%s: %w", name, err))
			continue
		}
		s.Toolchains[name] = tc
	}

	errs = append(errs, s.validate()...)
	if len(errs) > 0 {
		return Settings{}, apperrors.Configuration(errors.Join(errs...), "settings")
	}
	return s, nil
}

func (s Settings) validate() []error {
	var errs []error
	switch s.Store.Driver {
	case DriverMemory, DriverSQLite, DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", s.Store.Driver))
	}
	if s.Build.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("build.max_attempts: must be at least 1, got %d", s.Build.MaxAttempts))
	}
	if s.Build.Timeout <= 0 {
		errs = append(errs, errors.New("build.timeout: must be positive"))
	}
	if s.Progress.Interval <= 0 {
		errs = append(errs, errors.New("progress.interval: must be positive"))
	}
	return errs
}

func loadToolchain(c Config, base Toolchain) (Toolchain, error) {
	tc := base
	tc.Progress = c.String("progress", tc.Progress)
	tc.RetryFlags = c.StringSlice("retry_flags", tc.RetryFlags)

	single := map[string]*Command{"build": &tc.Build, "install": &tc.Install, "launch": &tc.Launch}
	for key, dst := range single {
		if !c.Has(key) {
			continue
		}
		parsed, err := parseCommand(c.Any(key, nil))
		if err != nil {
			return Toolchain{}, fmt.Errorf("%s: %w", key, err)
		}
		*dst = parsed
	}

	lists := map[string]*[]Command{"scaffold": &tc.Scaffold, "recover": &tc.Recover}
	for key, dst := range lists {
		if !c.Has(key) {
			continue
		}
		raw, ok := c.Any(key, nil).([]any)
		if !ok {
			return Toolchain{}, fmt.Errorf("%s: expected a list of commands", key)
		}
		parsed := make([]Command, 0, len(raw))
		for i, item := range raw {
			parsedCmd, err := parseCommand(item)
			if err != nil {
				return Toolchain{}, fmt.Errorf("%s[%d]: %w", key, i, err)
			}
			parsed = append(parsed, parsedCmd)
		}
		*dst = parsed
	}

	if len(tc.Build.Args) == 0 {
		return Toolchain{}, errors.New("build: command is required")
	}
	return tc, nil
}

// parseCommand accepts "prog arg arg", a list of arguments, or a map with
// run (string) or args (list) plus an optional dir.
func parseCommand(v any) (Command, error) {
	switch val := v.(type) {
	case string:
		return cmd(val, ""), nil
	case []any:
		args, ok := toStrings(val)
		if !ok {
			return Command{}, errors.New("arguments must be strings")
		}
		return Command{Args: args}, nil
	}

	m, ok := asMap(v)
	if !ok {
		return Command{}, fmt.Errorf("unsupported command value %T", v)
	}
	c := New(m)
	out := Command{Dir: c.String("dir", "")}
	switch {
	case c.Has("args"):
		args, ok := toStrings(c.Any("args", nil))
		if !ok {
			return Command{}, errors.New("args must be a list of strings")
		}
		out.Args = args
	case c.Has("run"):
		out.Args = strings.Fields(c.String("run", ""))
	}
	if len(out.Args) == 0 {
		return Command{}, errors.New("command has no arguments")
	}
	return out, nil
}
