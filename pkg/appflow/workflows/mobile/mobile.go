// Package mobile is the workflow that takes an app request through
// scaffolding, a bounded build/recover loop, device selection, and deploy.
//
//	configure -> scaffold -> build -+-> select_device -> confirm_deploy -+-> deploy -> END
//	                          ^     |                                   +-> END
//	                          |     +-> recover --+
//	                          +-------------------+
//	                                +-> failed -> END
//
// The thread suspends twice: in configure until an app name and platform
// are supplied, and in confirm_deploy until someone approves the deploy.
package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/randalmurphal/appflow/pkg/appflow"
	"github.com/randalmurphal/appflow/pkg/appflow/command"
	"github.com/randalmurphal/appflow/pkg/appflow/config"
	"github.com/randalmurphal/appflow/pkg/appflow/device"
	"github.com/randalmurphal/appflow/pkg/appflow/progress"
	"github.com/randalmurphal/appflow/pkg/appflow/retry"
)

// Name is the workflow's graph name.
const Name = "mobile"

// Node IDs.
const (
	NodeConfigure     = "configure"
	NodeScaffold      = "scaffold"
	NodeBuild         = "build"
	NodeRecover       = "recover"
	NodeSelectDevice  = "select_device"
	NodeConfirmDeploy = "confirm_deploy"
	NodeDeploy        = "deploy"
	NodeFailed        = "failed"
)

// State fields.
const (
	FieldAppName        = "app_name"
	FieldPlatform       = "platform"
	FieldBundleID       = "bundle_id"
	FieldStartedAt      = "started_at"
	FieldScaffolded     = "scaffolded"
	FieldAttempt        = "attempt"
	FieldProgress       = "progress"
	FieldDevice         = "device"
	FieldDeployApproved = "deploy_approved"
	FieldDeployed       = "deployed"
	FieldSummary        = "summary"
	FieldLog            = "log"
)

// Schema is the workflow's merge-policy table.
func Schema() appflow.Schema {
	return appflow.Schema{
		FieldAppName:        appflow.Overwrite,
		FieldPlatform:       appflow.Overwrite,
		FieldBundleID:       appflow.Overwrite,
		FieldStartedAt:      appflow.Overwrite,
		FieldScaffolded:     appflow.Overwrite,
		FieldAttempt:        appflow.Overwrite,
		FieldProgress:       appflow.Overwrite,
		FieldDevice:         appflow.Overwrite,
		FieldDeployApproved: appflow.Overwrite,
		FieldDeployed:       appflow.Overwrite,
		FieldSummary:        appflow.Overwrite,
		FieldLog:            appflow.Append,
	}
}

// Booter readies a stopped device.
type Booter interface {
	Boot(ctx context.Context, d device.Device) (device.Device, error)
}

// Deps are the workflow's collaborators.
type Deps struct {
	// Runner runs toolchain commands. Required.
	Runner command.Runner

	// Devices lists deployment candidates. Nil means no devices.
	Devices device.Lister

	// Booter boots stopped emulators and simulators before deploy.
	Booter Booter

	// Settings supplies toolchains and limits. Zero means DefaultSettings.
	Settings config.Settings

	// Sink receives build heartbeats. Nil logs them and publishes them on
	// the executor's event bus.
	Sink progress.Sink

	// Backoff spaces build attempts. Nil grows exponentially from
	// Settings.Build.Backoff.
	Backoff retry.Backoff

	// Now replaces time.Now.
	Now func() time.Time
}

type workflow struct {
	runner   command.Runner
	devices  device.Lister
	booter   Booter
	settings config.Settings
	sink     progress.Sink
	retry    retry.Controller
	now      func() time.Time
}

// New builds the workflow graph.
func New(deps Deps) (*appflow.Graph, error) {
	if deps.Runner == nil {
		return nil, errors.New("mobile: a command runner is required")
	}
	w := &workflow{
		runner:   deps.Runner,
		devices:  deps.Devices,
		booter:   deps.Booter,
		settings: deps.Settings,
		sink:     deps.Sink,
		now:      deps.Now,
	}
	if len(w.settings.Toolchains) == 0 {
		w.settings = config.DefaultSettings()
	}
	if w.now == nil {
		w.now = time.Now
	}
	backoff := deps.Backoff
	if backoff == nil {
		backoff = retry.Exponential{Initial: w.settings.Build.Backoff, Max: 8 * w.settings.Build.Backoff}
	}
	w.retry = retry.Controller{MaxAttempts: w.settings.Build.MaxAttempts, Backoff: backoff}

	return appflow.New(appflow.Definition{
		Name:    Name,
		Schema:  Schema(),
		Entry:   NodeConfigure,
		Failure: NodeFailed,
		Nodes: map[string]appflow.Node{
			NodeConfigure:     appflow.NodeFunc(w.configure),
			NodeScaffold:      appflow.NodeFunc(w.scaffold),
			NodeBuild:         appflow.NodeFunc(w.build),
			NodeRecover:       appflow.NodeFunc(w.recover),
			NodeSelectDevice:  appflow.NodeFunc(w.selectDevice),
			NodeConfirmDeploy: appflow.NodeFunc(w.confirmDeploy),
			NodeDeploy:        appflow.NodeFunc(w.deploy),
			NodeFailed:        appflow.NodeFunc(w.failed),
		},
		Edges: []appflow.Edge{
			appflow.Static(NodeConfigure, NodeScaffold),
			appflow.Static(NodeScaffold, NodeBuild),
			appflow.Conditional(NodeBuild,
				retry.Router(FieldAttempt, NodeSelectDevice, NodeRecover, NodeFailed),
				NodeSelectDevice, NodeRecover, NodeFailed),
			appflow.Static(NodeRecover, NodeBuild),
			appflow.Static(NodeSelectDevice, NodeConfirmDeploy),
			appflow.Conditional(NodeConfirmDeploy, routeDeploy, NodeDeploy, appflow.END),
			appflow.Static(NodeDeploy, appflow.END),
			appflow.Static(NodeFailed, appflow.END),
		},
	})
}

func routeDeploy(_ appflow.Context, s appflow.State) string {
	if s.Bool(FieldDeployApproved) {
		return NodeDeploy
	}
	return appflow.END
}

// requestSchema constrains the configure payload to known platforms.
func (w *workflow) requestSchema() string {
	platforms := make([]string, 0, len(w.settings.Toolchains))
	for p := range w.settings.Toolchains {
		platforms = append(platforms, p)
	}
	slices.Sort(platforms)

	schema := map[string]any{
		"type":     "object",
		"required": []string{FieldAppName, FieldPlatform},
		"properties": map[string]any{
			FieldAppName:  map[string]any{"type": "string", "minLength": 1},
			FieldPlatform: map[string]any{"enum": platforms},
		},
	}
	data, _ := json.Marshal(schema)
	return string(data)
}

const approvalSchema = `{
	"type": "object",
	"properties": {"deploy_approved": {"type": "boolean"}}
}`

// Slug lowercases name and keeps only letters and digits.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
