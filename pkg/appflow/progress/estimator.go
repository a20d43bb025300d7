// Package progress turns streamed tool output into a monotonic progress
// estimate and emits heartbeats on a side channel while a process runs.
package progress

import (
	"regexp"
	"time"
)

// Snapshot is the estimate at one point in time.
type Snapshot struct {
	Percent int    `json:"percent"`
	Phase   string `json:"phase"`

	// Stage is the 1-based index of the last milestone reached; 0 means none.
	Stage int `json:"stage"`

	// LastAdvance is when Percent last moved (or the first observation).
	LastAdvance time.Time `json:"last_advance"`
}

// Milestone is a recognizable point in a toolchain's output.
type Milestone struct {
	Match   *regexp.Regexp
	Phase   string
	Percent int
}

// Estimator maps output lines to progress. It is a value with no hidden
// state: every method takes the previous snapshot and returns the next.
//
// Milestones must be ordered by Percent. Percent never decreases, and never
// reaches 100 before Complete.
type Estimator struct {
	Name       string
	Milestones []Milestone

	// Increment is added between milestones, at most once per MinInterval.
	Increment   int
	MinInterval time.Duration

	// Cap is the highest percent reported before Complete. Default: 99
	Cap int
}

// PhaseDone is the phase reported by Complete.
const PhaseDone = "done"

func (e Estimator) limit() int {
	if e.Cap <= 0 || e.Cap >= 100 {
		return 99
	}
	return e.Cap
}

// Estimate folds one output line into prev.
func (e Estimator) Estimate(prev Snapshot, line string, now time.Time) Snapshot {
	for i := len(e.Milestones) - 1; i >= prev.Stage; i-- {
		m := e.Milestones[i]
		if m.Match == nil || !m.Match.MatchString(line) {
			continue
		}
		next := prev
		next.Stage = i + 1
		next.Phase = m.Phase
		next.Percent = max(prev.Percent, min(m.Percent, e.limit()))
		next.LastAdvance = now
		return next
	}
	return e.Tick(prev, now)
}

// Tick advances prev by Increment if MinInterval has passed since the last
// advance. Between milestones progress stops just short of the next one.
func (e Estimator) Tick(prev Snapshot, now time.Time) Snapshot {
	if prev.LastAdvance.IsZero() {
		prev.LastAdvance = now
		return prev
	}
	if e.Increment <= 0 || now.Sub(prev.LastAdvance) < e.MinInterval {
		return prev
	}

	ceiling := e.limit()
	if prev.Stage < len(e.Milestones) {
		ceiling = min(ceiling, e.Milestones[prev.Stage].Percent-1)
	}
	if prev.Percent >= ceiling {
		return prev
	}

	next := prev
	next.Percent = min(prev.Percent+e.Increment, ceiling)
	next.LastAdvance = now
	return next
}

// Complete reports successful exit.
func (e Estimator) Complete(prev Snapshot) Snapshot {
	prev.Percent = 100
	prev.Phase = PhaseDone
	prev.Stage = len(e.Milestones)
	return prev
}

// Gradle tracks an Android Gradle build.
func Gradle() Estimator {
	return Estimator{
		Name: "gradle",
		Milestones: []Milestone{
			{regexp.MustCompile(`(?i)configure project|> Configure`), "configuring", 10},
			{regexp.MustCompile(`> Task :\S*:(pre\w*Build|generate\w*)`), "preparing", 20},
			{regexp.MustCompile(`> Task :\S*:compile\w*`), "compiling", 35},
			{regexp.MustCompile(`> Task :\S*:(merge|process)\w*Resources`), "processing resources", 55},
			{regexp.MustCompile(`> Task :\S*:(dex\w*|mergeDex\w*|transformClasses\w*)`), "dexing", 70},
			{regexp.MustCompile(`> Task :\S*:package\w*`), "packaging", 85},
			{regexp.MustCompile(`> Task :\S*:(sign\w*|assemble\w*|install\w*)`), "assembling", 92},
			{regexp.MustCompile(`BUILD SUCCESSFUL`), "finishing", 98},
		},
		Increment:   1,
		MinInterval: 2 * time.Second,
		Cap:         99,
	}
}

// Xcode tracks an xcodebuild run.
func Xcode() Estimator {
	return Estimator{
		Name: "xcode",
		Milestones: []Milestone{
			{regexp.MustCompile(`(?i)resolve package graph|resolved source packages`), "resolving packages", 5},
			{regexp.MustCompile(`^(CompileSwift|CompileC|SwiftCompile|CompileAssetCatalog)`), "compiling", 30},
			{regexp.MustCompile(`^(Ld|Link)\s`), "linking", 60},
			{regexp.MustCompile(`^(CopySwiftLibs|ProcessProductPackaging|CopyPNGFile|ProcessInfoPlistFile)`), "packaging", 75},
			{regexp.MustCompile(`^CodeSign\s`), "signing", 90},
			{regexp.MustCompile(`\*\* BUILD SUCCEEDED \*\*`), "finishing", 98},
		},
		Increment:   1,
		MinInterval: 2 * time.Second,
		Cap:         99,
	}
}

// Generic tracks tools with no known milestones, such as a JS bundler.
func Generic() Estimator {
	return Estimator{
		Name: "generic",
		Milestones: []Milestone{
			{regexp.MustCompile(`(?i)install(ing)? dependencies|npm install|yarn install`), "installing", 10},
			{regexp.MustCompile(`(?i)\bbuild(ing)?\b`), "building", 40},
			{regexp.MustCompile(`(?i)\bbundl(e|ing)\b`), "bundling", 70},
			{regexp.MustCompile(`(?i)\b(done|finished|complete)\b`), "finishing", 95},
		},
		Increment:   1,
		MinInterval: time.Second,
		Cap:         99,
	}
}

// ForToolchain returns the preset for a toolchain name, or Generic.
func ForToolchain(name string) Estimator {
	switch name {
	case "gradle", "android":
		return Gradle()
	case "xcode", "xcodebuild", "ios":
		return Xcode()
	default:
		return Generic()
	}
}
