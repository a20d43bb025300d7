package device

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/appflow/pkg/appflow/command"
)

const defaultQueryTimeout = 30 * time.Second

// Tools names the host binaries used to query and drive devices.
type Tools struct {
	ADB      string
	Emulator string
	Xcrun    string

	// AVDHome is where AVD config.ini files live.
	// Default: $ANDROID_AVD_HOME, else ~/.android/avd
	AVDHome string
}

// DefaultTools expects every binary on PATH.
func DefaultTools() Tools {
	t := Tools{ADB: "adb", Emulator: "emulator", Xcrun: "xcrun"}
	if home := os.Getenv("ANDROID_AVD_HOME"); home != "" {
		t.AVDHome = home
	} else if home, err := os.UserHomeDir(); err == nil {
		t.AVDHome = filepath.Join(home, ".android", "avd")
	}
	return t
}

// Discoverer queries the host for Android devices, AVDs, and iOS
// simulators. A platform whose tooling is not installed contributes no
// candidates.
type Discoverer struct {
	runner    command.Runner
	tools     Tools
	platforms []Platform
	minimum   map[Platform]string
	timeout   time.Duration
	logger    *slog.Logger
}

// DiscoverOption configures a Discoverer.
type DiscoverOption func(*Discoverer)

// WithTools overrides binary paths.
func WithTools(t Tools) DiscoverOption {
	return func(d *Discoverer) { d.tools = t }
}

// WithPlatforms limits discovery to the given platforms.
func WithPlatforms(ps ...Platform) DiscoverOption {
	return func(d *Discoverer) { d.platforms = ps }
}

// WithMinimum marks devices of p below version v as incompatible.
func WithMinimum(p Platform, v string) DiscoverOption {
	return func(d *Discoverer) { d.minimum[p] = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DiscoverOption {
	return func(d *Discoverer) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDiscoverer creates a discoverer that runs host tools through runner.
func NewDiscoverer(runner command.Runner, opts ...DiscoverOption) *Discoverer {
	d := &Discoverer{
		runner:    runner,
		tools:     DefaultTools(),
		platforms: []Platform{Android, IOS},
		minimum:   make(map[Platform]string),
		timeout:   defaultQueryTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover implements Lister. Platforms are queried concurrently. A
// platform whose tooling fails is logged and skipped; Discover returns an
// error only when every platform failed.
func (d *Discoverer) Discover(ctx context.Context) ([]Device, error) {
	return d.discover(ctx, d.platforms)
}

// DiscoverPlatform implements PlatformLister. Only p's tooling is queried,
// so a broken toolchain for another platform can't get in the way.
func (d *Discoverer) DiscoverPlatform(ctx context.Context, p Platform) ([]Device, error) {
	return d.discover(ctx, []Platform{p})
}

func (d *Discoverer) discover(ctx context.Context, platforms []Platform) ([]Device, error) {
	results := make([][]Device, len(platforms))
	errs := make([]error, len(platforms))

	var g errgroup.Group
	for i, p := range platforms {
		g.Go(func() error {
			switch p {
			case Android:
				results[i], errs[i] = d.android(ctx)
			case IOS:
				results[i], errs[i] = d.ios(ctx)
			default:
				errs[i] = fmt.Errorf("unknown platform %q", p)
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []Device
	var failed []error
	for i, p := range platforms {
		if errs[i] != nil {
			d.logger.Warn("device discovery failed", "platform", p, "error", errs[i])
			failed = append(failed, errs[i])
			continue
		}
		out = append(out, results[i]...)
	}
	if len(failed) > 0 && len(failed) == len(platforms) {
		return nil, errors.Join(failed...)
	}
	return out, nil
}

// run executes a query. found is false when the binary is not installed.
func (d *Discoverer) run(ctx context.Context, program string, args ...string) (string, bool, error) {
	res := d.runner.Run(ctx, program, args, command.Options{Timeout: d.timeout})
	if res.StartFailed {
		d.logger.Debug("device tool not available", "program", program)
		return "", false, nil
	}
	if !res.Success {
		return "", true, res.Err()
	}
	return res.Stdout, true, nil
}

func (d *Discoverer) compatible(p Platform, version string) bool {
	floor, ok := d.minimum[p]
	if !ok {
		return version != ""
	}
	return version != "" && CompareVersions(version, floor) >= 0
}

func (d *Discoverer) android(ctx context.Context) ([]Device, error) {
	out, found, err := d.run(ctx, d.tools.ADB, "devices", "-l")
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}

	var devices []Device
	runningAVDs := make(map[string]bool)
	if found {
		for _, entry := range parseADBDevices(out) {
			dev := Device{
				ID:       entry.serial,
				Name:     entry.model,
				Platform: Android,
				Kind:     Physical,
				Running:  true,
			}
			if strings.HasPrefix(entry.serial, "emulator-") {
				dev.Kind = Emulator
				if name := d.avdName(ctx, entry.serial); name != "" {
					dev.Name = name
					runningAVDs[name] = true
				}
			}
			if sdk, _, err := d.run(ctx, d.tools.ADB, "-s", entry.serial, "shell", "getprop", "ro.build.version.sdk"); err == nil {
				dev.PlatformVersion = strings.TrimSpace(sdk)
			}
			dev.Compatible = d.compatible(Android, dev.PlatformVersion)
			devices = append(devices, dev)
		}
	}

	out, found, err = d.run(ctx, d.tools.Emulator, "-list-avds")
	if err != nil {
		return nil, fmt.Errorf("emulator -list-avds: %w", err)
	}
	if !found {
		return devices, nil
	}
	for _, name := range nonEmptyLines(out) {
		if runningAVDs[name] {
			continue
		}
		version := avdAPILevel(d.tools.AVDHome, name)
		devices = append(devices, Device{
			ID:              name,
			Name:            name,
			Platform:        Android,
			Kind:            Emulator,
			PlatformVersion: version,
			Compatible:      d.compatible(Android, version),
		})
	}
	return devices, nil
}

// avdName asks a running emulator which AVD it is.
func (d *Discoverer) avdName(ctx context.Context, serial string) string {
	out, _, err := d.run(ctx, d.tools.ADB, "-s", serial, "emu", "avd", "name")
	if err != nil {
		return ""
	}
	lines := nonEmptyLines(out)
	if len(lines) == 0 || lines[0] == "OK" {
		return ""
	}
	return lines[0]
}

type adbEntry struct {
	serial string
	model  string
}

// parseADBDevices reads `adb devices -l`, keeping devices in the "device"
// state. Unauthorized and offline devices can't be deployed to.
func parseADBDevices(out string) []adbEntry {
	var entries []adbEntry
	for _, line := range nonEmptyLines(out) {
		if strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		e := adbEntry{serial: fields[0]}
		for _, f := range fields[2:] {
			if model, ok := strings.CutPrefix(f, "model:"); ok {
				e.model = strings.ReplaceAll(model, "_", " ")
			}
		}
		entries = append(entries, e)
	}
	return entries
}

var (
	sysdirAPI = regexp.MustCompile(`android-(\d+)`)
	targetAPI = regexp.MustCompile(`^target\s*=\s*android-(\d+)`)
)

// avdAPILevel reads the API level from an AVD's config.ini.
func avdAPILevel(home, name string) string {
	if home == "" {
		return ""
	}
	f, err := os.Open(filepath.Join(home, name+".avd", "config.ini"))
	if err != nil {
		return ""
	}
	defer f.Close()

	var fromTarget string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "image.sysdir.1") {
			if m := sysdirAPI.FindStringSubmatch(line); m != nil {
				return m[1]
			}
		}
		if m := targetAPI.FindStringSubmatch(line); m != nil {
			fromTarget = m[1]
		}
	}
	return fromTarget
}

type simctlList struct {
	Devices map[string][]struct {
		UDID        string `json:"udid"`
		Name        string `json:"name"`
		State       string `json:"state"`
		IsAvailable bool   `json:"isAvailable"`
	} `json:"devices"`
}

func (d *Discoverer) ios(ctx context.Context) ([]Device, error) {
	out, found, err := d.run(ctx, d.tools.Xcrun, "simctl", "list", "devices", "--json")
	if err != nil {
		return nil, fmt.Errorf("simctl list: %w", err)
	}
	if !found {
		return nil, nil
	}
	return parseSimctl(out, func(v string) bool { return d.compatible(IOS, v) })
}

func parseSimctl(out string, compatible func(string) bool) ([]Device, error) {
	var list simctlList
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, fmt.Errorf("parse simctl output: %w", err)
	}

	runtimes := make([]string, 0, len(list.Devices))
	for rt := range list.Devices {
		runtimes = append(runtimes, rt)
	}
	sort.Strings(runtimes)

	var devices []Device
	for _, rt := range runtimes {
		version, ok := iosRuntimeVersion(rt)
		if !ok {
			continue
		}
		for _, s := range list.Devices[rt] {
			if !s.IsAvailable {
				continue
			}
			devices = append(devices, Device{
				ID:              s.UDID,
				Name:            s.Name,
				Platform:        IOS,
				Kind:            Simulator,
				PlatformVersion: version,
				Running:         s.State == "Booted",
				Compatible:      compatible(version),
			})
		}
	}
	return devices, nil
}

// iosRuntimeVersion turns "com.apple.CoreSimulator.SimRuntime.iOS-17-2"
// into "17.2". Other simulator runtimes (watchOS, tvOS) are skipped.
func iosRuntimeVersion(runtime string) (string, bool) {
	i := strings.LastIndex(runtime, ".iOS-")
	if i < 0 {
		return "", false
	}
	return strings.ReplaceAll(runtime[i+len(".iOS-"):], "-", "."), true
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
