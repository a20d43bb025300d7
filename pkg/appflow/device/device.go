// Package device finds and chooses the device or emulator an app is
// deployed to.
//
// Device state belongs to the host: a simulator can be booted or shut down
// between two workflow steps, so candidates are queried fresh on every
// selection pass and never cached.
package device

import (
	"strconv"
	"strings"
)

// Platform is a mobile target platform.
type Platform string

const (
	Android Platform = "android"
	IOS     Platform = "ios"
)

// Kind distinguishes physical hardware from virtual devices.
type Kind string

const (
	Physical  Kind = "physical"
	Emulator  Kind = "emulator"
	Simulator Kind = "simulator"
)

// Device is one deployment candidate.
type Device struct {
	// ID is the adb serial, AVD name, or simulator UDID.
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Platform Platform `json:"platform"`
	Kind     Kind     `json:"kind,omitempty"`

	// PlatformVersion is the Android API level or iOS version. May be empty.
	PlatformVersion string `json:"platform_version,omitempty"`

	Running    bool `json:"running"`
	Compatible bool `json:"compatible"`
}

// String returns a short description for logs and prompts.
func (d Device) String() string {
	var b strings.Builder
	if d.Name != "" && d.Name != d.ID {
		b.WriteString(d.Name)
		b.WriteString(" (")
		b.WriteString(d.ID)
		b.WriteString(")")
	} else {
		b.WriteString(d.ID)
	}
	if d.PlatformVersion != "" {
		b.WriteString(" ")
		b.WriteString(string(d.Platform))
		b.WriteString(" ")
		b.WriteString(d.PlatformVersion)
	}
	if d.Running {
		b.WriteString(" [running]")
	}
	return b.String()
}

// CompareVersions compares dotted versions numerically, component by
// component. Missing components count as zero and an empty version sorts
// below every other. Non-numeric components compare as zero.
func CompareVersions(a, b string) int {
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}

	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < max(len(as), len(bs)); i++ {
		av, bv := component(as, i), component(bs, i)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}

func component(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
	if err != nil {
		return 0
	}
	return n
}

// Predicate reports whether a device can run the app.
type Predicate func(Device) bool

// IsCompatible trusts the device's Compatible flag.
func IsCompatible(d Device) bool {
	return d.Compatible
}

// MinVersion accepts devices at or above v. Devices without a known
// version are rejected.
func MinVersion(v string) Predicate {
	return func(d Device) bool {
		return d.PlatformVersion != "" && CompareVersions(d.PlatformVersion, v) >= 0
	}
}

// OnPlatform accepts devices of platform p.
func OnPlatform(p Platform) Predicate {
	return func(d Device) bool {
		return d.Platform == p
	}
}

// All accepts devices every predicate accepts.
func All(preds ...Predicate) Predicate {
	return func(d Device) bool {
		for _, p := range preds {
			if p != nil && !p(d) {
				return false
			}
		}
		return true
	}
}
