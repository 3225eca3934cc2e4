package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/book-expert/narrator/internal/pipeline"
)

func newSynthesizeCommand(application *app) *cobra.Command {
	return &cobra.Command{
		Use:   "synthesize INPUT OUTPUT",
		Short: "Narrate a markup document (INPUT may be - for stdin) into OUTPUT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.synthesize(cmd, args[0], args[1])
		},
	}
}

func (a *app) synthesize(cmd *cobra.Command, input, output string) error {
	markup, sourceName, err := a.readInput(input)
	if err != nil {
		return err
	}

	service, err := pipeline.NewService(cmd.Context(), a.cfg, a.log)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := service.Close()
		if closeErr != nil {
			a.log.Warn("Failed to close service: %v", closeErr)
		}
	}()

	built, err := service.Builder.Build(cmd.Context(), pipeline.Request{
		Markup:     markup,
		SourceName: sourceName,
		OutputPath: output,
		Voice:      pipeline.VoiceFromConfig(a.cfg),
	})
	if err != nil {
		return a.fail(err)
	}

	cached := 0

	for _, chunk := range built.Chunks {
		if chunk.Cached {
			cached++
		}
	}

	fmt.Fprintf(a.stdout, "%s: %d chunks (%d cached), %s, %s, build %s\n",
		built.OutputPath,
		built.ChunkCount,
		cached,
		time.Duration(built.TotalDurationMS)*time.Millisecond,
		humanize.Bytes(uint64(max(built.OutputBytes, 0))),
		built.BuildID)

	return nil
}

// fail prints the structured report of a failed build and carries its exit code.
func (a *app) fail(err error) error {
	report := pipeline.Describe(err)

	a.log.Error("Build failed: %s", report)
	fmt.Fprintf(a.stderr, "narrator: build failed: %s\n", report)

	return &exitError{code: report.Code, err: err}
}
