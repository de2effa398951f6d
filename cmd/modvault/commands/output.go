package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorGreen  = lipgloss.Color("2")
	colorYellow = lipgloss.Color("3")
	colorRed    = lipgloss.Color("1")
	colorCyan   = lipgloss.Color("6")
	colorGray   = lipgloss.Color("8")

	headerStyle = lipgloss.NewStyle().Bold(true)
)

// statusStyle colors run, environment run and version statuses.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "succeeded", "completed", "approved", "pass":
		return lipgloss.NewStyle().Foreground(colorGreen)
	case "failed", "timed_out", "partial_failure", "rejected", "fail":
		return lipgloss.NewStyle().Foreground(colorRed)
	case "planned", "pending", "warn":
		return lipgloss.NewStyle().Foreground(colorYellow)
	case "running", "applying", "queued":
		return lipgloss.NewStyle().Foreground(colorCyan)
	default:
		return lipgloss.NewStyle().Foreground(colorGray)
	}
}

func renderStatus(status string) string {
	return statusStyle(status).Render(status)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printTable writes aligned rows under a bold header.
func printTable(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, h := range header {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, headerStyle.Render(h))
	}
	fmt.Fprintln(tw)
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, cell)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

// output prints v as JSON when --json is set, otherwise calls text.
func output(w io.Writer, v any, text func() error) error {
	if jsonOutput {
		return printJSON(w, v)
	}
	return text()
}
