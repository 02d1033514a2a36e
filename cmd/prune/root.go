package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AaronLay10/SentientTrips/internal/app"
	"github.com/AaronLay10/SentientTrips/internal/maintenance"
)

// loadFunc opens the application for a worker.yaml path.
type loadFunc func(path string) (*app.App, error)

// pruneOptions holds the command flags.
type pruneOptions struct {
	ConfigPath    string
	DeleteRelays  bool
	DeleteNumbers bool
	UpdateHosts   bool
	InactiveDays  int
	Limit         int
	Format        string
}

func newRootCommand(load loadFunc) *cobra.Command {
	opts := &pruneOptions{}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Reconcile leased numbers with the relay directory",
		Long: `Lists every number leased at the carrier and decides, for the stage in
worker.yaml, whether to keep it, cull it, or move its webhooks to the
canonical host. Without flags nothing is changed; the plan is printed.

Example:
  prune --config worker.yaml --update-hosts --limit 5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd, opts, load)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", app.DefaultConfigPath, "path to worker.yaml")
	cmd.Flags().BoolVar(&opts.DeleteRelays, "delete-relays", false, "deactivate relays and the relay service of culled numbers")
	cmd.Flags().BoolVar(&opts.DeleteNumbers, "delete-numbers", false, "release culled numbers at the carrier")
	cmd.Flags().BoolVar(&opts.UpdateHosts, "update-hosts", false, "point alias-host numbers at the canonical host")
	cmd.Flags().IntVar(&opts.InactiveDays, "inactive-days", 30, "days without relay activity before a number is culled")
	cmd.Flags().IntVar(&opts.Limit, "limit", 10, "maximum numbers changed per run")
	cmd.Flags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	return cmd
}

func runPrune(cmd *cobra.Command, opts *pruneOptions, load loadFunc) error {
	if opts.Format != "text" && opts.Format != "json" {
		return fmt.Errorf("invalid format %q: must be one of [text json]", opts.Format)
	}
	if opts.InactiveDays <= 0 || opts.Limit <= 0 {
		return fmt.Errorf("--inactive-days and --limit must be positive")
	}

	a, err := load(opts.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.Sweeper.PruneNumbers(cmd.Context(), maintenance.Options{
		DeleteRelays:  opts.DeleteRelays,
		DeleteNumbers: opts.DeleteNumbers,
		UpdateHosts:   opts.UpdateHosts,
		InactiveDays:  opts.InactiveDays,
		Limit:         opts.Limit,
	})
	if plan != nil {
		if werr := writePlan(cmd.OutOrStdout(), opts.Format, a.Config.Stage, plan); werr != nil {
			return werr
		}
	}
	return err
}

type planJSON struct {
	Stage    string      `json:"stage"`
	Executed int         `json:"executed"`
	Entries  []entryJSON `json:"entries"`
}

type entryJSON struct {
	Number   string `json:"number"`
	Host     string `json:"host,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
	Executed bool   `json:"executed"`
	Error    string `json:"error,omitempty"`
}

func writePlan(w io.Writer, format, stage string, plan *maintenance.Plan) error {
	if format == "json" {
		out := planJSON{Stage: stage, Executed: plan.Executed, Entries: make([]entryJSON, 0, len(plan.Entries))}
		for _, e := range plan.Entries {
			out.Entries = append(out.Entries, entryJSON{
				Number:   e.Number.PhoneNumber,
				Host:     e.Host,
				Stage:    e.Stage,
				Decision: string(e.Decision),
				Reason:   e.Reason,
				Executed: e.Executed,
				Error:    e.Error,
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NUMBER\tHOST\tSTAGE\tDECISION\tREASON\tRESULT")
	for _, e := range plan.Entries {
		result := "-"
		switch {
		case e.Error != "":
			result = "error: " + e.Error
		case e.Executed:
			result = "done"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Number.PhoneNumber, orDash(e.Host), orDash(e.Stage), e.Decision, orDash(e.Reason), result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nstage %s: %d numbers, %d keep, %d cull, %d update-host, %d skip, %d executed\n",
		stage, len(plan.Entries),
		plan.Count(maintenance.DecisionKeep),
		plan.Count(maintenance.DecisionCull),
		plan.Count(maintenance.DecisionUpdateHost),
		plan.Count(maintenance.DecisionSkip),
		plan.Executed)
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
