package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/book-expert/narrator/internal/markup"
	"github.com/book-expert/narrator/internal/pipeline"
	"github.com/book-expert/narrator/internal/planner"
)

func newPlanCommand(application *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan INPUT",
		Short: "Print the chunk plan of a document without synthesizing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return application.plan(args[0])
		},
	}
}

func (a *app) plan(input string) error {
	data, sourceName, err := a.readInput(input)
	if err != nil {
		return err
	}

	mode, err := markup.ParseMode(a.cfg.Planner.Mode)
	if err != nil {
		return err
	}

	voice := pipeline.VoiceFromConfig(a.cfg)

	chunks, err := pipeline.Plan(data, mode, planner.Options{
		MaxChunkBytes: a.cfg.Planner.MaxChunkBytes,
		Base:          voice.Prosody(),
	})
	if err != nil {
		return a.fail(err)
	}

	total := 0
	for _, chunk := range chunks {
		total += chunk.ByteSize
	}

	fmt.Fprintf(a.stdout, "%s: %d chunks, %s of markup, ceiling %s\n",
		sourceName, len(chunks), humanize.Bytes(uint64(total)), humanize.Bytes(uint64(a.cfg.Planner.MaxChunkBytes)))

	table := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(table, "INDEX\tBYTES\tOFFSET\tPROSODY\tPAUSE")

	for _, chunk := range chunks {
		fmt.Fprintf(table, "%d\t%d\t%d\t%s\t%s\n",
			chunk.Index, chunk.ByteSize, chunk.SourceOffset, chunk.ActiveProsody, chunk.TrailingPause)
	}

	return table.Flush()
}
