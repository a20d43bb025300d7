package mobile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/appflow/pkg/appflow"
	"github.com/randalmurphal/appflow/pkg/appflow/command"
	"github.com/randalmurphal/appflow/pkg/appflow/config"
	"github.com/randalmurphal/appflow/pkg/appflow/device"
	apperrors "github.com/randalmurphal/appflow/pkg/appflow/errors"
	"github.com/randalmurphal/appflow/pkg/appflow/progress"
	"github.com/randalmurphal/appflow/pkg/appflow/retry"
)

// configure waits for the request, then starts a fresh attempt budget.
func (w *workflow) configure(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	if !s.Has(FieldAppName) || !s.Has(FieldPlatform) {
		return appflow.Result{Suspend: &appflow.Suspension{
			Prompt:  "Which app should be built, and for which platform?",
			Expects: []string{FieldAppName, FieldPlatform},
			Schema:  w.requestSchema(),
		}}, nil
	}

	name := strings.TrimSpace(s.String(FieldAppName))
	platform := s.String(FieldPlatform)
	if _, ok := w.settings.Toolchains[platform]; !ok {
		return appflow.Result{}, apperrors.Fatalf("no toolchain configured for platform %q", platform)
	}
	slug := Slug(name)
	if slug == "" {
		return appflow.Result{}, apperrors.Fatalf("app name %q has no letters or digits", name)
	}

	ctx.Logger().Info("build requested", "app", name, "platform", platform)
	return appflow.Update(appflow.Patch{
		FieldAppName:   name,
		FieldBundleID:  "com.appflow." + slug,
		FieldAttempt:   w.retry.Begin(),
		FieldStartedAt: w.now().UTC().Format(time.RFC3339),
		FieldDeployed:  false,
		FieldLog:       fmt.Sprintf("configured %s for %s", name, platform),
	}), nil
}

func (w *workflow) toolchain(s appflow.State) config.Toolchain {
	return w.settings.Toolchains[s.String(FieldPlatform)]
}

func vars(s appflow.State, deviceID string) map[string]string {
	name := s.String(FieldAppName)
	return map[string]string{
		"app_name":  name,
		"slug":      Slug(name),
		"bundle_id": s.String(FieldBundleID),
		"platform":  s.String(FieldPlatform),
		"device":    deviceID,
	}
}

func (w *workflow) run(ctx context.Context, c config.Command, opts command.Options) command.Result {
	if len(c.Args) == 0 {
		return command.Result{ExitCode: -1, Stderr: "empty command", StartFailed: true}
	}
	opts.Dir = c.Dir
	return w.runner.Run(ctx, c.Program(), c.Args[1:], opts)
}

// scaffold creates the project once per app name. Any failure is fatal:
// there is nothing to build without a project.
func (w *workflow) scaffold(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	name := s.String(FieldAppName)
	if s.String(FieldScaffolded) == name {
		return appflow.Update(appflow.Patch{FieldLog: "scaffold skipped: project exists"}), nil
	}

	v := vars(s, "")
	for _, c := range w.toolchain(s).Scaffold {
		c = c.Expand(v)
		res := w.run(ctx, c, command.Options{Timeout: w.settings.Build.Timeout})
		if !res.Success {
			if ctx.Err() != nil {
				return appflow.Result{}, ctx.Err()
			}
			return appflow.Result{}, apperrors.Fatal(res.Err(), "scaffold")
		}
	}
	return appflow.Update(appflow.Patch{
		FieldScaffolded: name,
		FieldLog:        "scaffolded " + name,
	}), nil
}

// build runs one attempt. A failed build is an outcome recorded in the
// attempt, not a node error; the router decides what follows.
func (w *workflow) build(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	var a retry.Attempt
	if _, err := s.Decode(FieldAttempt, &a); err != nil {
		return appflow.Result{}, err
	}
	a, ok := a.Next()
	if !ok {
		a = a.Fail(errors.New("attempt budget spent"))
		return appflow.Update(appflow.Patch{FieldAttempt: a}), nil
	}

	tc := w.toolchain(s)
	c := tc.BuildFor(a.Number).Expand(vars(s, ""))

	tracker := progress.NewTracker(progress.ForToolchain(tc.Progress), w.heartbeatSink(ctx),
		progress.WithTask(fmt.Sprintf("build attempt %d/%d", a.Number, a.Max)),
		progress.WithInterval(w.settings.Progress.Interval),
	)
	tracker.Start(ctx)
	res := w.run(ctx, c, command.Options{Timeout: w.settings.Build.Timeout, OnOutputLine: tracker.Observe})
	snap := tracker.Finish(res.Success)

	if !res.Success && ctx.Err() != nil {
		return appflow.Result{}, ctx.Err()
	}

	outcome := "succeeded"
	if res.Success {
		a = a.Succeed()
	} else {
		a = a.Fail(res.Err())
		outcome = "failed"
	}
	ctx.Logger().Info("build attempt finished",
		"attempt", a.Number,
		"max_attempts", a.Max,
		"success", res.Success,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return appflow.Update(appflow.Patch{
		FieldAttempt:  a,
		FieldProgress: map[string]any{"phase": snap.Phase, "percent": snap.Percent},
		FieldLog:      fmt.Sprintf("build attempt %d/%d %s", a.Number, a.Max, outcome),
	}), nil
}

func (w *workflow) heartbeatSink(ctx appflow.Context) progress.Sink {
	if w.sink != nil {
		return w.sink
	}
	return progress.MultiSink{
		progress.LogSink{Logger: ctx.Logger()},
		progress.BusSink{Bus: ctx.Events(), ThreadID: ctx.ThreadID(), Logger: ctx.Logger()},
	}
}

// recover runs the recovery step for the failed attempt and waits out the
// backoff. A failing recovery command is logged; the next build decides.
func (w *workflow) recover(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	var a retry.Attempt
	if _, err := s.Decode(FieldAttempt, &a); err != nil {
		return appflow.Result{}, err
	}

	step := "none"
	if c, ok := w.toolchain(s).RecoverFor(a.Number); ok {
		c = c.Expand(vars(s, ""))
		step = c.String()
		res := w.run(ctx, c, command.Options{Timeout: w.settings.Build.Timeout})
		if !res.Success {
			ctx.Logger().Warn("recovery command failed",
				"command", step,
				"error", res.Err().Error(),
			)
		}
	}

	if err := w.retry.Wait(ctx, a); err != nil {
		return appflow.Result{}, err
	}
	return appflow.Update(appflow.Patch{
		FieldLog: fmt.Sprintf("recovered after attempt %d: %s", a.Number, step),
	}), nil
}

type platformLister struct {
	inner    device.Lister
	platform device.Platform
}

func (l platformLister) Discover(ctx context.Context) ([]device.Device, error) {
	if l.inner == nil {
		return nil, nil
	}
	if pl, ok := l.inner.(device.PlatformLister); ok {
		return pl.DiscoverPlatform(ctx, l.platform)
	}
	all, err := l.inner.Discover(ctx)
	if err != nil {
		return nil, err
	}
	var out []device.Device
	for _, d := range all {
		if d.Platform == l.platform {
			out = append(out, d)
		}
	}
	return out, nil
}

// DevicePredicate is the compatibility check a deploy applies to devices
// of platform p: the configured minimum version, else the discoverer's
// own verdict.
func DevicePredicate(settings config.Settings, p device.Platform) device.Predicate {
	floor := ""
	switch p {
	case device.Android:
		floor = settings.Devices.MinAndroid
	case device.IOS:
		floor = settings.Devices.MinIOS
	}
	if floor == "" {
		return device.IsCompatible
	}
	return device.MinVersion(floor)
}

// selectDevice picks a deployment target from a fresh discovery pass.
func (w *workflow) selectDevice(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	p := device.Platform(s.String(FieldPlatform))
	sel := device.NewSelector(platformLister{inner: w.devices, platform: p}, ctx.Logger())

	d, rule, err := sel.Select(ctx, DevicePredicate(w.settings, p))
	if errors.Is(err, device.ErrNoDevices) {
		return appflow.Result{}, apperrors.Fatal(err, "select device")
	}
	if err != nil {
		return appflow.Result{}, err
	}
	return appflow.Update(appflow.Patch{
		FieldDevice: d,
		FieldLog:    fmt.Sprintf("selected %s (%s)", d, rule),
	}), nil
}

// confirmDeploy parks the thread until the deploy is approved or declined.
func (w *workflow) confirmDeploy(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	if !ctx.Resumed() {
		var d device.Device
		if _, err := s.Decode(FieldDevice, &d); err != nil {
			return appflow.Result{}, err
		}
		return appflow.Result{Suspend: &appflow.Suspension{
			Prompt:  fmt.Sprintf("Deploy %s to %s?", s.String(FieldAppName), d),
			Expects: []string{FieldDeployApproved},
			Schema:  approvalSchema,
		}}, nil
	}

	decision := "declined"
	if s.Bool(FieldDeployApproved) {
		decision = "approved"
	}
	return appflow.Update(appflow.Patch{FieldLog: "deploy " + decision}), nil
}

// deploy boots the device when needed, installs, and launches the app.
func (w *workflow) deploy(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	var d device.Device
	if _, err := s.Decode(FieldDevice, &d); err != nil {
		return appflow.Result{}, err
	}

	if !d.Running {
		if w.booter == nil {
			return appflow.Result{}, apperrors.Fatalf("device %s is not running and no booter is configured", d.ID)
		}
		booted, err := w.booter.Boot(ctx, d)
		if err != nil {
			return appflow.Result{}, apperrors.Fatal(err, "boot "+d.ID)
		}
		d = booted
	}

	tc := w.toolchain(s)
	v := vars(s, d.ID)
	for _, step := range []struct {
		name string
		cmd  config.Command
	}{
		{"install", tc.Install},
		{"launch", tc.Launch},
	} {
		if len(step.cmd.Args) == 0 {
			continue
		}
		// Only builds are retried. A failed install or launch ends the
		// thread with a summary.
		res := w.run(ctx, step.cmd.Expand(v), command.Options{Timeout: w.settings.Build.Timeout})
		if !res.Success {
			return appflow.Result{}, apperrors.Fatal(res.Err(), step.name)
		}
	}

	return appflow.Update(appflow.Patch{
		FieldDevice:   d,
		FieldDeployed: true,
		FieldLog:      fmt.Sprintf("deployed %s to %s", s.String(FieldAppName), d.ID),
	}), nil
}

// failed is the failure node. It leaves a summary a person can act on.
func (w *workflow) failed(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	summary := Summarize(s, w.now())
	ctx.Logger().Warn("workflow failed", "summary", summary)
	return appflow.Update(appflow.Patch{
		FieldSummary: summary,
		FieldLog:     "failed",
	}), nil
}
