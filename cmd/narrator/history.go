package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/book-expert/narrator/internal/history"
)

const defaultHistoryLimit = 20

// errHistoryDisabled is returned when no history database is configured.
var errHistoryDisabled = errors.New("history is disabled: set history.path or --history")

func newHistoryCommand(application *app) *cobra.Command {
	var (
		limit  int
		output string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return application.history(cmd, limit, output)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", defaultHistoryLimit, "number of builds to list")
	cmd.Flags().StringVar(&output, "output", "", "list only builds that wrote this output path")

	return cmd
}

func (a *app) history(cmd *cobra.Command, limit int, output string) error {
	if a.cfg.History.Path == "" {
		return errHistoryDisabled
	}

	store, err := history.Open(cmd.Context(), a.cfg.History.Path, a.log)
	if err != nil {
		return err
	}

	defer func() {
		_ = store.Close()
	}()

	var entries []history.Entry

	if output != "" {
		entries, err = store.ByOutput(cmd.Context(), output)
	} else {
		entries, err = store.Recent(cmd.Context(), limit)
	}

	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Fprintln(a.stdout, "no builds recorded")

		return nil
	}

	table := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(table, "BUILD\tWHEN\tSOURCE\tVOICE\tCHUNKS\tDURATION\tOUTPUT")

	for _, entry := range entries {
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			entry.BuildID,
			humanize.Time(entry.BuiltAt),
			entry.SourceDocument,
			entry.VoiceID,
			entry.ChunkCount,
			entry.TotalDuration,
			entry.OutputPath)
	}

	return table.Flush()
}
