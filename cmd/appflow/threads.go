package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newThreadsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List checkpointed threads, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			infos, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if limit > 0 && len(infos) > limit {
				infos = infos[:limit]
			}

			if a.jsonOutput {
				return writeJSON(a.out, infos)
			}
			if len(infos) == 0 {
				fmt.Fprintln(a.out, "no threads")
				return nil
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "THREAD\tCHECKPOINTS\tUPDATED\tSIZE")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					info.ThreadID,
					humanize.Comma(int64(info.Sequence)),
					humanize.Time(info.Timestamp),
					humanize.Bytes(uint64(info.Size)),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n threads")
	return cmd
}
