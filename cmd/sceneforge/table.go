package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

// column is one table column; numeric columns are right aligned.
type column struct {
	title   string
	numeric bool
}

var (
	runColumns = []column{
		{title: "Run"}, {title: "Story"}, {title: "Status"},
		{title: "Scenes", numeric: true}, {title: "Frames", numeric: true},
		{title: "Validation"}, {title: "Started"},
	}
	attemptColumns = []column{
		{title: "Scene"}, {title: "Attempt", numeric: true}, {title: "Job"},
		{title: "Status"}, {title: "Exit"}, {title: "Duration", numeric: true},
		{title: "Error"},
	}
	checkColumns   = []column{{title: "Check"}, {title: "OK"}, {title: "Detail"}}
	findingColumns = []column{{title: "Level"}, {title: "Finding"}}
)

// maxCellWidth wraps long findings and error messages.
const maxCellWidth = 72

func renderTable(columns []column, rows [][]string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(columns))
	configs := make([]table.ColumnConfig, len(columns))
	for i, col := range columns {
		header[i] = col.title
		align := text.AlignLeft
		if col.numeric {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft, WidthMax: maxCellWidth}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		cells := make(table.Row, len(columns))
		for i := range cells {
			if i < len(row) {
				cells[i] = row[i]
			}
		}
		tw.AppendRow(cells)
	}
	return tw.Render()
}

// printRows renders a table on a terminal (or with forceTable) and
// tab-separated rows otherwise.
func printRows(w io.Writer, columns []column, rows [][]string, forceTable bool) {
	if forceTable || isTerminal(w) {
		fmt.Fprintln(w, renderTable(columns, rows))
		return
	}
	titles := make([]string, len(columns))
	for i, col := range columns {
		titles[i] = col.title
	}
	fmt.Fprintln(w, strings.Join(titles, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
