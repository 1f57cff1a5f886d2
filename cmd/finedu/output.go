package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"
)

// printer writes v in the selected format. Table output is produced by
// the command-specific render function.
type printer struct {
	w      io.Writer
	format string
}

func (c *cli) printer(w io.Writer) printer {
	return printer{w: w, format: strings.ToLower(c.output)}
}

func (p printer) print(v any, render func(table.Writer)) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		tw := table.NewWriter()
		tw.SetOutputMirror(p.w)
		tw.SetStyle(table.StyleLight)
		render(tw)
		tw.Render()
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", p.format)
	}
}

// message prints a one-line confirmation in table mode and v otherwise.
func (p printer) message(v any, format string, args ...any) error {
	if p.format == "table" || p.format == "" {
		_, err := fmt.Fprintf(p.w, format+"\n", args...)
		return err
	}
	return p.print(v, nil)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatAge(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func colorHealth(status string) string {
	switch status {
	case "critical", "poor":
		return text.FgRed.Sprint(status)
	case "fair":
		return text.FgYellow.Sprint(status)
	default:
		return text.FgGreen.Sprint(status)
	}
}
