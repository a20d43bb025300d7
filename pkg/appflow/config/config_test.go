package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/appflow/pkg/appflow/config"
	apperrors "github.com/randalmurphal/appflow/pkg/appflow/errors"
)

// TestAccessors verifies typed extraction with defaults.
func TestAccessors(t *testing.T) {
	cfg := config.New(map[string]any{
		"name":     "appflow",
		"attempts": 3,
		"ratio":    2.5,
		"whole":    4.0,
		"timeout":  "90s",
		"seconds":  30,
		"verbose":  true,
		"flags":    []any{"--offline", "--no-daemon"},
		"mixed":    []any{"a", 1},
		"store": map[string]any{
			"driver": "redis",
			"redis":  map[string]any{"db": 2},
		},
	})

	assert.Equal(t, "appflow", cfg.String("name", "x"))
	assert.Equal(t, "x", cfg.String("attempts", "x"))
	assert.Equal(t, 3, cfg.Int("attempts", 0))
	assert.Equal(t, 4, cfg.Int("whole", 0))
	assert.Equal(t, 7, cfg.Int("ratio", 7), "fractional floats are not ints")
	assert.Equal(t, 90*time.Second, cfg.Duration("timeout", 0))
	assert.Equal(t, 30*time.Second, cfg.Duration("seconds", 0))
	assert.Equal(t, 2500*time.Millisecond, cfg.Duration("ratio", 0))
	assert.Equal(t, time.Minute, cfg.Duration("name", time.Minute))
	assert.True(t, cfg.Bool("verbose", false))
	assert.Equal(t, []string{"--offline", "--no-daemon"}, cfg.StringSlice("flags", nil))
	assert.Equal(t, []string{"d"}, cfg.StringSlice("mixed", []string{"d"}))
	assert.Equal(t, "fallback", cfg.Any("missing", "fallback"))
}

// TestDottedPaths verifies lookups into nested maps.
func TestDottedPaths(t *testing.T) {
	cfg := config.New(map[string]any{
		"store": map[string]any{
			"driver": "redis",
			"redis":  map[string]any{"db": 2},
		},
		"literal.key": "wins",
	})

	assert.Equal(t, "redis", cfg.String("store.driver", ""))
	assert.Equal(t, 2, cfg.Int("store.redis.db", 0))
	assert.Equal(t, "wins", cfg.String("literal.key", ""))
	assert.False(t, cfg.Has("store.missing"))
	assert.False(t, cfg.Has("store.driver.deeper"))

	section := cfg.Section("store")
	assert.Equal(t, "redis", section.String("driver", ""))
	assert.Empty(t, cfg.Section("nothing").Raw())
	assert.Empty(t, cfg.Section("store.driver").Raw())
}

// TestParse verifies YAML and JSON decoding.
func TestParse(t *testing.T) {
	yamlCfg, err := config.Parse([]byte("store:\n  driver: memory\nbuild:\n  max_attempts: 5\n"), config.YAML)
	require.NoError(t, err)
	assert.Equal(t, "memory", yamlCfg.String("store.driver", ""))
	assert.Equal(t, 5, yamlCfg.Int("build.max_attempts", 0))

	jsonCfg, err := config.Parse([]byte(`{"build": {"max_attempts": 4}}`), config.JSON)
	require.NoError(t, err)
	assert.Equal(t, 4, jsonCfg.Int("build.max_attempts", 0))

	empty, err := config.Parse([]byte("  \n"), config.YAML)
	require.NoError(t, err)
	assert.Empty(t, empty.Raw())

	_, err = config.Parse([]byte("store: [unclosed"), config.YAML)
	assert.Error(t, err)
	_, err = config.Parse([]byte("{"), config.JSON)
	assert.Error(t, err)
}

// TestFromFile verifies reading by extension.
func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "appflow.yaml")
	jsonPath := filepath.Join(dir, "appflow.JSON")
	require.NoError(t, os.WriteFile(yamlPath, []byte("output_dir: docs\n"), 0o644))
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"output_dir": "json-docs"}`), 0o644))

	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "docs", cfg.String("output_dir", ""))

	cfg, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "json-docs", cfg.String("output_dir", ""))

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestLoadSettings_Defaults verifies an empty document gives the defaults.
func TestLoadSettings_Defaults(t *testing.T) {
	s, err := config.LoadSettings(config.New(nil))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultSettings().Store, s.Store)
	assert.Equal(t, 3, s.Build.MaxAttempts)
	assert.Equal(t, time.Second, s.Progress.Interval)
	assert.Contains(t, s.Toolchains, "android")
	assert.Contains(t, s.Toolchains, "ios")
}

const settingsYAML = `
store:
  driver: redis
  redis_addr: redis.internal:6379
build:
  max_attempts: 5
  timeout: 45m
progress:
  interval: 250ms
devices:
  min_android: "33"
tools:
  model: sonnet
toolchains:
  android:
    build: ./gradlew assembleRelease
    recover:
      - run: ./gradlew clean
        dir: "{app_name}/android"
      - [rm, -rf, "{app_name}/android/.gradle"]
  web:
    progress: generic
    build:
      args: [npm, run, build]
      dir: "{app_name}"
`

// TestLoadSettings_Overrides verifies file values win and toolchains merge.
func TestLoadSettings_Overrides(t *testing.T) {
	cfg, err := config.Parse([]byte(settingsYAML), config.YAML)
	require.NoError(t, err)

	s, err := config.LoadSettings(cfg)
	require.NoError(t, err)

	assert.Equal(t, config.DriverRedis, s.Store.Driver)
	assert.Equal(t, "redis.internal:6379", s.Store.RedisAddr)
	assert.Equal(t, 5, s.Build.MaxAttempts)
	assert.Equal(t, 45*time.Minute, s.Build.Timeout)
	assert.Equal(t, 250*time.Millisecond, s.Progress.Interval)
	assert.Equal(t, "33", s.Devices.MinAndroid)
	assert.Equal(t, "16.0", s.Devices.MinIOS)
	assert.Equal(t, "sonnet", s.Tools.Model)

	android := s.Toolchains["android"]
	assert.Equal(t, []string{"./gradlew", "assembleRelease"}, android.Build.Args)
	assert.Equal(t, "gradle", android.Progress, "unset fields keep defaults")
	require.Len(t, android.Recover, 2)
	assert.Equal(t, "{app_name}/android", android.Recover[0].Dir)
	assert.Equal(t, "rm", android.Recover[1].Program())

	web := s.Toolchains["web"]
	assert.Equal(t, "generic", web.Progress)
	assert.Equal(t, "{app_name}", web.Build.Dir)

	assert.Equal(t, "./gradlew assembleDebug --console=plain",
		config.DefaultToolchains()["android"].Build.String(), "defaults are not mutated")
}

// TestLoadSettings_Invalid verifies every problem is reported as configuration.
func TestLoadSettings_Invalid(t *testing.T) {
	cfg := config.New(map[string]any{
		"store": map[string]any{"driver": "postgres"},
		"build": map[string]any{"max_attempts": 0},
		"toolchains": map[string]any{
			"web":     map[string]any{"progress": "generic"},
			"android": map[string]any{"recover": "not a list"},
		},
	})

	_, err := config.LoadSettings(cfg)
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryConfiguration, apperrors.Categorize(err))
	assert.Contains(t, err.Error(), "store.driver")
	assert.Contains(t, err.Error(), "build.max_attempts")
	assert.Contains(t, err.Error(), "toolchains.web")
	assert.Contains(t, err.Error(), "toolchains.android")
}

// TestToolchain_Commands verifies per-attempt command selection and expansion.
func TestToolchain_Commands(t *testing.T) {
	tc := config.DefaultToolchains()["android"]

	first := tc.BuildFor(1)
	assert.Equal(t, tc.Build, first)
	second := tc.BuildFor(2)
	assert.Equal(t, append(append([]string{}, tc.Build.Args...), tc.RetryFlags...), second.Args)

	r, ok := tc.RecoverFor(1)
	require.True(t, ok)
	assert.Equal(t, tc.Recover[0], r)
	r, _ = tc.RecoverFor(9)
	assert.Equal(t, tc.Recover[len(tc.Recover)-1], r)
	_, ok = config.Toolchain{}.RecoverFor(1)
	assert.False(t, ok)

	launch := tc.Launch.Expand(map[string]string{"device": "emulator-5554", "bundle_id": "com.appflow.demo"})
	assert.Equal(t, "adb -s emulator-5554 shell monkey -p com.appflow.demo -c android.intent.category.LAUNCHER 1", launch.String())

	build := tc.Build.Expand(map[string]string{"app_name": "Demo"})
	assert.Equal(t, "Demo/android", build.Dir)
	assert.Equal(t, "{app_name}/android", tc.Build.Dir, "expansion copies")
}
