package codec

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"mactable/internal/domain"
)

// TextCodec renders a human readable run summary
type TextCodec struct{}

// NewTextCodec creates a new text codec
func NewTextCodec() *TextCodec {
	return &TextCodec{}
}

// Format returns the codec format identifier
func (c *TextCodec) Format() string {
	return "text"
}

// Export writes a header followed by one line per executed step
func (c *TextCodec) Export(run *domain.Run, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "run:\t%s\n", run.ID)
	fmt.Fprintf(tw, "scenario:\t%s\n", run.Scenario)
	fmt.Fprintf(tw, "substrate:\t%s\n", run.Substrate)
	fmt.Fprintf(tw, "state:\t%s\n", run.State)
	fmt.Fprintf(tw, "started:\t%s\n", run.StartedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Fprintf(tw, "duration:\t%s\n", run.Duration().Round(time.Millisecond))
	}
	if run.Reason != "" {
		fmt.Fprintf(tw, "reason:\t%s\n", run.Reason)
	}

	probes := run.ProbeOutcomes()
	ok := 0
	for _, p := range probes {
		if p.Success {
			ok++
		}
	}
	fmt.Fprintf(tw, "steps:\t%d of %d\n", len(run.Records), run.StepCount)
	fmt.Fprintf(tw, "probes:\t%d ok, %d failed\n", ok, len(probes)-ok)
	fmt.Fprintf(tw, "checkpoints:\t%d\n", run.Suspensions())
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(run.Records) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tSTATUS\tDETAIL")
	for _, rec := range run.Records {
		marker := ""
		if run.FailedStep != nil && *run.FailedStep == rec.Index {
			marker = " <-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s%s\n", rec.Index, rec.Step, rec.Status, recordDetail(rec), marker)
	}
	return tw.Flush()
}

func recordDetail(rec domain.StepRecord) string {
	switch {
	case rec.Error != "":
		return rec.Error
	case rec.Ack != nil:
		return fmt.Sprintf("%s -> %s", rec.Ack.Previous, rec.Ack.Current)
	case rec.Probe != nil:
		p := rec.Probe
		if p.Success {
			return fmt.Sprintf("%s %s via %s in %s", p.Result(), p.ToAddress, p.Method, p.Latency.Round(time.Microsecond))
		}
		if p.Detail != "" {
			return fmt.Sprintf("%s %s (%s)", p.Result(), p.ToAddress, p.Detail)
		}
		return fmt.Sprintf("%s %s", p.Result(), p.ToAddress)
	case rec.Step.Note != "":
		return rec.Step.Note
	}
	return ""
}
