package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/schaermu/gitsyncd/internal/reconcile"
	"github.com/schaermu/gitsyncd/internal/sync"
)

var stateColors = map[reconcile.SyncState]lipgloss.Color{
	reconcile.StateAdded:       lipgloss.Color("2"),
	reconcile.StateUpdated:     lipgloss.Color("3"),
	reconcile.StateOverwritten: lipgloss.Color("5"),
	reconcile.StateDeleted:     lipgloss.Color("1"),
	reconcile.StateUnchanged:   lipgloss.Color("8"),
}

func newTable(w io.Writer, headers ...string) (*table.Table, *lipgloss.Renderer) {
	r := lipgloss.NewRenderer(w)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(r.NewStyle().Foreground(lipgloss.Color("8"))).
		Headers(headers...)
	return t, r
}

// printSummary prints one row per target with its change counts
func printSummary(w io.Writer, res *sync.Result) {
	headers := []string{"TARGET", "KIND", "SCOPE"}
	for _, s := range reconcile.States {
		headers = append(headers, string(s))
	}
	headers = append(headers, "DIFF")

	t, r := newTable(w, headers...)
	for _, tr := range res.Targets {
		row := []string{tr.Target.Name, tr.Output.Kind, tr.Output.Scope.String()}
		for _, s := range reconcile.States {
			row = append(row, strconv.Itoa(tr.Output.Count(s)))
		}
		row = append(row, tr.Output.DiffURI)
		t.Row(row...)
	}
	t.StyleFunc(func(row, _ int) lipgloss.Style {
		if row == table.HeaderRow {
			return r.NewStyle().Bold(true).Padding(0, 1)
		}
		return r.NewStyle().Padding(0, 1)
	})

	mode := ""
	if len(res.Targets) > 0 && res.Targets[0].Output.DryRun {
		mode = " (dry run)"
	}
	_, _ = fmt.Fprintf(w, "commit %s%s\n", res.Commit, mode)
	_, _ = fmt.Fprintln(w, t.Render())
}

// printDiff prints the records of a diff artifact
func printDiff(w io.Writer, results []reconcile.SyncResult, changedOnly bool) {
	var rows []reconcile.SyncResult
	for _, res := range results {
		if changedOnly && res.State == reconcile.StateUnchanged {
			continue
		}
		rows = append(rows, res)
	}

	t, r := newTable(w, "STATE", "PATH", "IDENTITY", "ATTRS")
	for _, res := range rows {
		path := res.Path
		if path == "" {
			path = "-"
		}
		t.Row(string(res.State), path, res.Identity, formatAttrs(res.Attrs))
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		style := r.NewStyle().Padding(0, 1)
		if row == table.HeaderRow {
			return style.Bold(true)
		}
		if col == 0 && row >= 0 && row < len(rows) {
			return style.Foreground(stateColors[rows[row].State])
		}
		return style
	})

	_, _ = fmt.Fprintln(w, t.Render())
	_, _ = fmt.Fprintf(w, "%d of %d records\n", len(rows), len(results))
}

func formatAttrs(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+attrs[k])
	}
	return strings.Join(parts, " ")
}
