package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/appflow/pkg/appflow/device"
	"github.com/randalmurphal/appflow/pkg/appflow/workflows/mobile"
)

func newDevicesCmd(a *app) *cobra.Command {
	var platform string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List deployment targets and show which one a deploy would pick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, err := a.lister().Discover(cmd.Context())
			if err != nil {
				return err
			}
			platforms := []device.Platform{device.Android, device.IOS}
			if platform != "" {
				platforms = []device.Platform{device.Platform(platform)}
			}

			type choice struct {
				Platform device.Platform `json:"platform"`
				Device   *device.Device  `json:"device,omitempty"`
				Rule     string          `json:"rule,omitempty"`
			}
			var (
				listed  []device.Device
				choices []choice
			)
			for _, p := range platforms {
				var candidates []device.Device
				for _, d := range all {
					if d.Platform == p {
						candidates = append(candidates, d)
					}
				}
				listed = append(listed, candidates...)
				c := choice{Platform: p}
				if d, rule, ok := device.Select(candidates, mobile.DevicePredicate(a.settings, p)); ok {
					c.Device, c.Rule = &d, rule.String()
				}
				choices = append(choices, c)
			}

			if a.jsonOutput {
				return writeJSON(a.out, map[string]any{"devices": listed, "selected": choices})
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLATFORM\tKIND\tID\tNAME\tVERSION\tRUNNING\tCOMPATIBLE")
			for _, d := range listed {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%t\n",
					d.Platform, d.Kind, d.ID, d.Name, d.PlatformVersion, d.Running, d.Compatible)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(a.out)
			for _, c := range choices {
				if c.Device == nil {
					fmt.Fprintf(a.out, "%s: no devices available\n", c.Platform)
					continue
				}
				fmt.Fprintf(a.out, "%s: %s (%s)\n", c.Platform, c.Device, c.Rule)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&platform, "platform", "p", "", "Only this platform: android, ios")
	return cmd
}
