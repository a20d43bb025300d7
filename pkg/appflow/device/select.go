package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoDevices is returned when there is nothing to select from.
var ErrNoDevices = errors.New("no devices available")

// Rule identifies which selection rule picked a device.
type Rule int

const (
	RuleNone Rule = iota

	// RuleRunningCompatible picked a running device the predicate accepts.
	RuleRunningCompatible

	// RuleRunning picked a running device the predicate rejects.
	RuleRunning

	// RuleCompatible picked a stopped device the predicate accepts.
	RuleCompatible

	// RuleAny picked whatever was left.
	RuleAny
)

// String returns the rule name.
func (r Rule) String() string {
	switch r {
	case RuleRunningCompatible:
		return "running-compatible"
	case RuleRunning:
		return "running"
	case RuleCompatible:
		return "compatible"
	case RuleAny:
		return "any"
	default:
		return "none"
	}
}

// Select picks the best device. The first rule with a match wins:
//
//  1. a running device pred accepts
//  2. any running device
//  3. a stopped device pred accepts
//  4. any device
//
// Within a rule the highest PlatformVersion wins and ties go to the earlier
// candidate. A nil pred means IsCompatible. Select returns false only for
// an empty candidate list.
func Select(candidates []Device, pred Predicate) (Device, Rule, bool) {
	if pred == nil {
		pred = IsCompatible
	}

	rules := []struct {
		rule  Rule
		match func(Device) bool
	}{
		{RuleRunningCompatible, func(d Device) bool { return d.Running && pred(d) }},
		{RuleRunning, func(d Device) bool { return d.Running }},
		{RuleCompatible, func(d Device) bool { return !d.Running && pred(d) }},
		{RuleAny, func(Device) bool { return true }},
	}

	for _, r := range rules {
		if d, ok := highest(candidates, r.match); ok {
			return d, r.rule, true
		}
	}
	return Device{}, RuleNone, false
}

func highest(candidates []Device, match func(Device) bool) (Device, bool) {
	var best Device
	found := false
	for _, d := range candidates {
		if !match(d) {
			continue
		}
		if !found || CompareVersions(d.PlatformVersion, best.PlatformVersion) > 0 {
			best = d
			found = true
		}
	}
	return best, found
}

// Lister produces the current candidates.
type Lister interface {
	Discover(ctx context.Context) ([]Device, error)
}

// PlatformLister produces the current candidates of one platform.
type PlatformLister interface {
	DiscoverPlatform(ctx context.Context, p Platform) ([]Device, error)
}

// Selector runs a discovery pass and selects from it.
type Selector struct {
	lister Lister
	logger *slog.Logger
}

// NewSelector creates a selector. A nil logger uses slog.Default.
func NewSelector(lister Lister, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{lister: lister, logger: logger}
}

// Select discovers devices and picks one. Falling back to a running device
// the predicate rejects is logged as a warning.
func (s *Selector) Select(ctx context.Context, pred Predicate) (Device, Rule, error) {
	candidates, err := s.lister.Discover(ctx)
	if err != nil {
		return Device{}, RuleNone, fmt.Errorf("discover devices: %w", err)
	}

	d, rule, ok := Select(candidates, pred)
	if !ok {
		return Device{}, RuleNone, ErrNoDevices
	}

	switch rule {
	case RuleRunning:
		s.logger.Warn("selected running device that may be incompatible",
			"device_id", d.ID,
			"platform_version", d.PlatformVersion,
		)
	case RuleAny:
		s.logger.Warn("no compatible device found, using fallback",
			"device_id", d.ID,
			"platform_version", d.PlatformVersion,
		)
	default:
		s.logger.Info("device selected",
			"device_id", d.ID,
			"rule", rule.String(),
			"candidates", len(candidates),
		)
	}
	return d, rule, nil
}
