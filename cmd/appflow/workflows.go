package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/appflow/pkg/appflow"
	"github.com/randalmurphal/appflow/pkg/appflow/command"
	"github.com/randalmurphal/appflow/pkg/appflow/device"
	"github.com/randalmurphal/appflow/pkg/appflow/registry"
	"github.com/randalmurphal/appflow/pkg/appflow/workflows/mobile"
	"github.com/randalmurphal/appflow/pkg/appflow/workflows/prd"
)

// workflow is a named graph the CLI can run.
type workflow struct {
	name        string
	description string
	build       func(a *app) (*appflow.Graph, error)
}

func builtinWorkflows() *registry.Registry[string, workflow] {
	r := registry.New[string, workflow]()
	r.Register(mobile.Name, workflow{
		name:        mobile.Name,
		description: "Scaffold, build with retries, pick a device, and deploy a mobile app",
		build: func(a *app) (*appflow.Graph, error) {
			deps := mobile.Deps{
				Runner:   a.runner,
				Devices:  a.lister(),
				Settings: a.settings,
			}
			if disc, ok := deps.Devices.(*device.Discoverer); ok {
				if starter, ok := a.runner.(command.Starter); ok {
					deps.Booter = device.NewBooter(disc, starter)
				}
			}
			return mobile.New(deps)
		},
	})
	r.Register(prd.Name, workflow{
		name:        prd.Name,
		description: "Turn a product idea into a reviewed requirements document",
		build: func(a *app) (*appflow.Graph, error) {
			return prd.New(prd.Deps{
				Gateway:   a.toolGateway(prd.Catalog()),
				OutputDir: a.settings.OutputDir,
			})
		},
	})
	return r
}

func newWorkflowsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List available workflows and their nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.jsonOutput {
				type entry struct {
					Name        string   `json:"name"`
					Description string   `json:"description"`
					Entry       string   `json:"entry"`
					Nodes       []string `json:"nodes"`
				}
				var out []entry
				for _, wf := range a.workflows.Values() {
					g, err := wf.build(a)
					if err != nil {
						return err
					}
					out = append(out, entry{wf.name, wf.description, g.Entry(), g.NodeIDs()})
				}
				return writeJSON(a.out, out)
			}
			for _, wf := range a.workflows.Values() {
				g, err := wf.build(a)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s\t%s\n", wf.name, wf.description)
				fmt.Fprintf(a.out, "\tnodes: %s\n", strings.Join(g.NodeIDs(), ", "))
			}
			return nil
		},
	}
}
