package cmd

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// renderTable renders rows under the given headers with the last column,
// which always holds a number here, right-aligned.
func renderTable(headers []string, rows [][]string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		tableRow := make(table.Row, len(row))
		for i, cell := range row {
			tableRow[i] = cell
		}
		tw.AppendRow(tableRow)
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{
			Number:      len(headers),
			Align:       text.AlignRight,
			AlignHeader: text.AlignLeft,
		},
	})

	return tw.Render()
}
