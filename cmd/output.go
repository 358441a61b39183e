package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"converge/pkg/orchestrator"
)

const durationPrecision = time.Millisecond

var statusMarker = map[orchestrator.Status]string{
	orchestrator.StatusUnchanged: "=",
	orchestrator.StatusPlanned:   "~",
	orchestrator.StatusApplied:   "✓",
	orchestrator.StatusDeferred:  "…",
	orchestrator.StatusFailed:    "✗",
}

// renderReport writes a run report as text or JSON
func renderReport(w io.Writer, report *orchestrator.RunReport, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}

	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	paint := func(c *color.Color, s string) string {
		if !useColor {
			return s
		}
		return c.Sprint(s)
	}

	printer := message.NewPrinter(language.English)

	planned, applied, failed := 0, 0, 0
	for _, host := range report.Hosts {
		fmt.Fprintf(w, "%s:\n", paint(color.New(color.Bold), host.Host))
		for _, result := range host.Results {
			marker := statusMarker[result.Status]
			switch result.Status {
			case orchestrator.StatusApplied:
				marker = paint(color.New(color.FgGreen), marker)
				applied += len(result.Changes)
			case orchestrator.StatusFailed:
				marker = paint(color.New(color.FgRed), marker)
				failed++
			case orchestrator.StatusDeferred:
				marker = paint(color.New(color.FgYellow), marker)
			case orchestrator.StatusPlanned:
				planned += len(result.Changes)
			}

			fmt.Fprintf(w, "  %s %-14s %s\n", marker, result.Step, result.Status)
			for _, change := range result.Changes {
				fmt.Fprintf(w, "      %s %s\n", change.Action, change.Detail)
			}
			if result.Error != "" {
				fmt.Fprintf(w, "      %s\n", paint(color.New(color.FgRed), result.Error))
			}
		}
	}

	switch {
	case failed > 0:
		fmt.Fprintf(w, "\n%s\n", paint(color.New(color.FgRed), "convergence failed"))
	case planned > 0:
		printer.Fprintf(w, "\n%d planned changes, 0 applied\n", planned)
	case applied > 0:
		printer.Fprintf(w, "\n%d changes applied in %s\n", applied, report.Duration.Round(durationPrecision))
	default:
		fmt.Fprintf(w, "\nall steps unchanged, host converged\n")
	}
	return nil
}
