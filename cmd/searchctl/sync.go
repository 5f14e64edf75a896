package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/psadtpro/psadt-search/engine/syncer"
)

var resyncCmd = &cobra.Command{
	Use:   "resync [kind|all]",
	Short: "Rebuild collections from the source database",
	Long:  "Recreate each collection and index every source record of its kind.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, err := kindsOf(args, svc.Collections.Kinds())
		if err != nil {
			return err
		}
		var reps []*syncer.Report
		for _, kind := range kinds {
			rep, err := svc.Resync(cmd.Context(), kind)
			if rep != nil {
				reps = append(reps, rep)
			}
			if err != nil {
				printReports(cmd.OutOrStdout(), reps)
				return err
			}
		}
		return printReports(cmd.OutOrStdout(), reps)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [kind|all]",
	Short: "Index records changed since the last sync",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, err := kindsOf(args, svc.Collections.Kinds())
		if err != nil {
			return err
		}
		var reps []*syncer.Report
		var errs []error
		for _, kind := range kinds {
			rep, err := svc.Incremental(cmd.Context(), kind)
			if rep != nil {
				reps = append(reps, rep)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			}
		}
		if err := printReports(cmd.OutOrStdout(), reps); err != nil {
			return err
		}
		return errors.Join(errs...)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <kind>",
	Short: "Delete every point of a collection and forget its sync state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, err := kindsOf(args, svc.Collections.Kinds())
		if err != nil {
			return err
		}
		for _, kind := range kinds {
			if err := svc.Reset(cmd.Context(), kind); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", kind)
		}
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state [kind|all]",
	Short: "Show the saved sync state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, err := kindsOf(args, svc.Collections.Kinds())
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, kind := range kinds {
			st, err := svc.State(cmd.Context(), kind)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := printJSON(w, st); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(w, "%-14s %-16s watermark=%s written=%d failures=%d",
				kind, st.Collection, st.Watermark.Format("2006-01-02T15:04:05.000Z07:00"), st.Written, st.Failures)
			if st.LastError != "" {
				fmt.Fprintf(w, " last_error=%q", st.LastError)
			}
			fmt.Fprintln(w)
		}
		return nil
	},
}

func printReports(w io.Writer, reps []*syncer.Report) error {
	if jsonOutput {
		return printJSON(w, reps)
	}
	for _, rep := range reps {
		fmt.Fprintf(w, "%-16s %-11s total=%d written=%d failed=%d duration=%s\n",
			rep.Collection, rep.Mode, rep.Total, rep.Written, len(rep.Failed), rep.Duration)
		if len(rep.Failed) > 0 {
			fmt.Fprintf(w, "  failed ids: %v\n", rep.Failed)
		}
	}
	return nil
}
