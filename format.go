package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Size unit constants for human-readable formatting.
const (
	sizeKB = 1024
	sizeMB = 1024 * 1024
	sizeGB = 1024 * 1024 * 1024
	sizeTB = 1024 * 1024 * 1024 * 1024
)

// formatSize returns a human-readable size string (e.g. "1.2 MB").
func formatSize(bytes int64) string {
	switch {
	case bytes >= sizeTB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/float64(sizeTB))
	case bytes >= sizeGB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(sizeGB))
	case bytes >= sizeMB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(sizeMB))
	case bytes >= sizeKB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(sizeKB))
	case bytes < 0:
		return "-" + formatSize(-bytes)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatExpiry renders a workspace expiry; the zero time means none.
func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	return t.UTC().Format(time.RFC3339)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// printTable writes aligned columns to w. headers and each row must have
// the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}
