package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/appflow/pkg/appflow/command"
)

// ErrBootTimeout is returned when a device does not finish booting in time.
var ErrBootTimeout = errors.New("device boot timed out")

// Booter starts stopped emulators and simulators.
type Booter struct {
	disc    *Discoverer
	starter command.Starter
	timeout time.Duration
	poll    time.Duration
}

// BootOption configures a Booter.
type BootOption func(*Booter)

// WithBootTimeout bounds the whole boot. Default: 3m
func WithBootTimeout(d time.Duration) BootOption {
	return func(b *Booter) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithBootPoll sets how often boot completion is checked. Default: 2s
func WithBootPoll(d time.Duration) BootOption {
	return func(b *Booter) {
		if d > 0 {
			b.poll = d
		}
	}
}

// NewBooter creates a booter that queries devices through disc and starts
// emulators with starter.
func NewBooter(disc *Discoverer, starter command.Starter, opts ...BootOption) *Booter {
	b := &Booter{
		disc:    disc,
		starter: starter,
		timeout: 3 * time.Minute,
		poll:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Boot makes d ready for installs and returns it as running. A booted
// Android emulator comes back with its adb serial as ID. Running devices
// are returned unchanged.
func (b *Booter) Boot(ctx context.Context, d Device) (Device, error) {
	if d.Running {
		return d, nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	switch d.Platform {
	case IOS:
		return b.bootSimulator(ctx, d)
	case Android:
		if d.Kind != Emulator {
			return Device{}, fmt.Errorf("device %s is not running and cannot be booted", d.ID)
		}
		return b.bootEmulator(ctx, d)
	default:
		return Device{}, fmt.Errorf("unknown platform %q", d.Platform)
	}
}

func (b *Booter) bootSimulator(ctx context.Context, d Device) (Device, error) {
	xcrun := b.disc.tools.Xcrun
	res := b.disc.runner.Run(ctx, xcrun, []string{"simctl", "boot", d.ID}, command.Options{})
	if !res.Success && !strings.Contains(res.Stderr, "current state: Booted") {
		return Device{}, fmt.Errorf("boot simulator %s: %w", d.ID, res.Err())
	}

	res = b.disc.runner.Run(ctx, xcrun, []string{"simctl", "bootstatus", d.ID, "-b"}, command.Options{})
	if !res.Success {
		if ctx.Err() != nil {
			return Device{}, fmt.Errorf("%w: %s", ErrBootTimeout, d.ID)
		}
		return Device{}, fmt.Errorf("wait for simulator %s: %w", d.ID, res.Err())
	}

	d.Running = true
	b.disc.logger.Info("simulator booted", "device_id", d.ID)
	return d, nil
}

func (b *Booter) bootEmulator(ctx context.Context, d Device) (Device, error) {
	// The emulator outlives this call; only the boot wait is bounded.
	proc, err := b.starter.Start(context.WithoutCancel(ctx), b.disc.tools.Emulator,
		[]string{"-avd", d.ID, "-no-snapshot-save", "-no-boot-anim"}, command.Options{})
	if err != nil {
		return Device{}, fmt.Errorf("start emulator %s: %w", d.ID, err)
	}

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		if serial, ok := b.bootedSerial(ctx, d.ID); ok {
			d.Name = d.ID
			d.ID = serial
			d.Running = true
			b.disc.logger.Info("emulator booted", "avd", d.Name, "serial", serial)
			return d, nil
		}

		select {
		case <-proc.Done():
			res := proc.Wait()
			return Device{}, fmt.Errorf("emulator %s exited during boot: %w", d.ID, res.Err())
		case <-ctx.Done():
			proc.Stop()
			return Device{}, fmt.Errorf("%w: %s", ErrBootTimeout, d.ID)
		case <-ticker.C:
		}
	}
}

// bootedSerial finds the adb serial of a running AVD that has finished booting.
func (b *Booter) bootedSerial(ctx context.Context, avd string) (string, bool) {
	adb := b.disc.tools.ADB
	out, _, err := b.disc.run(ctx, adb, "devices", "-l")
	if err != nil {
		return "", false
	}
	for _, e := range parseADBDevices(out) {
		if !strings.HasPrefix(e.serial, "emulator-") || b.disc.avdName(ctx, e.serial) != avd {
			continue
		}
		done, _, err := b.disc.run(ctx, adb, "-s", e.serial, "shell", "getprop", "sys.boot_completed")
		if err == nil && strings.TrimSpace(done) == "1" {
			return e.serial, true
		}
	}
	return "", false
}
