package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/3leaps/batchkeeper/pkg/lifecycle"
)

type reportJSON struct {
	*lifecycle.Report
	Errors []string `json:"errors,omitempty"`
}

func writeReport(w io.Writer, rep *lifecycle.Report, asJSON bool) error {
	if asJSON {
		out := reportJSON{Report: rep}
		for _, err := range rep.Errors() {
			out.Errors = append(out.Errors, err.Error())
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TRANSITION\tSELECTED\tADVANCED\tUNCHANGED\tFAILED")
	for _, t := range rep.Transitions() {
		c := rep.Get(t)
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", t, c.Selected, c.Advanced, c.Unchanged, c.Failed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if c, ok := rep.Counts[lifecycle.TransitionReconcile]; ok && c != nil {
		_, _ = fmt.Fprintf(w, "not_done=%d unknown_status=%d\n", rep.NotDone, rep.Unknown)
		if len(rep.UnknownBatches) > 0 {
			ids := make([]string, 0, len(rep.UnknownBatches))
			for _, id := range rep.UnknownBatches {
				ids = append(ids, strconv.FormatInt(id, 10))
			}
			_, _ = fmt.Fprintf(w, "unknown_status batches: %s (still queued; cancel with --filter id=<id>)\n", strings.Join(ids, ","))
		}
	}
	for _, err := range rep.Errors() {
		_, _ = fmt.Fprintf(w, "error: %v\n", err)
	}
	return nil
}
