package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for -field=key
)

// printResult outputs data in the chosen format. columns picks and orders
// the fields shown for lists in table mode; nil shows every field.
func printResult(data any, columns ...string) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data) //nolint:errcheck
	case "raw":
		obj, ok := data.(map[string]any)
		if !ok {
			fmt.Println(data)
			return
		}
		if outputField != "" {
			if v, ok := obj[outputField]; ok {
				fmt.Println(formatValue(v))
			}
			return
		}
		for _, k := range sortedKeys(obj) {
			fmt.Printf("%s=%v\n", k, formatValue(obj[k]))
		}
	default: // table
		switch v := data.(type) {
		case []any:
			printRows(v, columns)
		case map[string]any:
			printTable(v)
		default:
			fmt.Println(v)
		}
	}
}

func printTable(data map[string]any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		switch val := data[k].(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", color.CyanString(strings.ToUpper(k)))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%s\n", kk, formatValue(val[kk]))
			}
		default:
			fmt.Fprintf(w, "%s\t%s\n", color.CyanString(k), formatValue(val))
		}
	}
	w.Flush()
}

func printRows(rows []any, columns []string) {
	if len(rows) == 0 {
		fmt.Println(color.YellowString("No results."))
		return
	}
	if len(columns) == 0 {
		if first, ok := rows[0].(map[string]any); ok {
			columns = sortedKeys(first)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := make([]string, len(columns))
	for i, c := range columns {
		header[i] = color.CyanString(strings.ToUpper(c))
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		obj, _ := row.(map[string]any)
		cells := make([]string, len(columns))
		for i, c := range columns {
			cells[i] = formatValue(obj[c])
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	w.Flush()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case []any:
		return joinAny(val)
	case bool:
		if val {
			return color.GreenString("yes")
		}
		return color.RedString("no")
	default:
		return fmt.Sprintf("%v", val)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinAny(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, ", ")
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), msg)
}

func printSuccess(msg string) {
	fmt.Println(color.GreenString(msg))
}
