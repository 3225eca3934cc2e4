package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/narrator/internal/markup"
	"github.com/book-expert/narrator/internal/planner"
	"github.com/book-expert/narrator/internal/tts"
	"github.com/book-expert/narrator/internal/tts/audio"
)

// Process exit codes.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitParse         = 2
	ExitChunkTooLarge = 3
	ExitSynthesis     = 4
	ExitAssemblyGap   = 5
	ExitTimeout       = 6
)

const (
	noChunk            = -1
	reportFieldDivider = "; "
)

// Stage names used in failure reports.
const (
	StageParse      = "parse"
	StagePlan       = "plan"
	StageSynthesize = "synthesize"
	StageAssemble   = "assemble"
	StageTimeout    = "timeout"
	StageBuild      = "build"
)

// ExitCode maps a build error to the process exit code.
func ExitCode(err error) int {
	return Describe(err).Code
}

// Report is the structured account of a failed build printed for operators.
type Report struct {
	Code  int
	Stage string
	// Chunk is the failing chunk index, or -1 when no chunk is involved.
	Chunk    int
	Attempts int
	// Offset is the byte offset in the source for parse and planning failures, or -1.
	Offset int
	Cause  string
}

// Describe classifies err. Synthesis failures are checked before timeouts because a
// provider timeout wraps context.DeadlineExceeded while still being a chunk failure.
func Describe(err error) Report {
	report := Report{Code: ExitOK, Chunk: noChunk, Offset: -1}
	if err == nil {
		return report
	}

	report.Cause = err.Error()

	var (
		malformed *markup.MalformedMarkupError
		tooLarge  *planner.ChunkTooLargeError
		synthErr  *tts.SynthesisError
		gapErr    *audio.AssemblyGapError
	)

	switch {
	case errors.As(err, &malformed):
		report.Code, report.Stage, report.Offset = ExitParse, StageParse, malformed.Offset
	case errors.Is(err, planner.ErrEmptyDocument):
		report.Code, report.Stage = ExitParse, StagePlan
	case errors.As(err, &tooLarge):
		report.Code, report.Stage, report.Offset = ExitChunkTooLarge, StagePlan, tooLarge.Offset
	case errors.As(err, &synthErr):
		report.Code, report.Stage = ExitSynthesis, StageSynthesize
		report.Chunk, report.Attempts = synthErr.ChunkIndex, synthErr.Attempts
	case errors.As(err, &gapErr):
		report.Code, report.Stage = ExitAssemblyGap, StageAssemble
		if len(gapErr.Missing) > 0 {
			report.Chunk = gapErr.Missing[0]
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		report.Code, report.Stage = ExitTimeout, StageTimeout
	default:
		report.Code, report.Stage = ExitFailure, StageBuild
	}

	return report
}

func (r Report) String() string {
	if r.Code == ExitOK {
		return "ok"
	}

	fields := []string{"stage=" + r.Stage}

	if r.Chunk != noChunk {
		fields = append(fields, fmt.Sprintf("chunk=%d", r.Chunk))
	}

	if r.Attempts > 0 {
		fields = append(fields, fmt.Sprintf("attempts=%d", r.Attempts))
	}

	if r.Offset >= 0 {
		fields = append(fields, fmt.Sprintf("offset=%d", r.Offset))
	}

	fields = append(fields, fmt.Sprintf("exit=%d", r.Code), "cause="+r.Cause)

	return strings.Join(fields, reportFieldDivider)
}
