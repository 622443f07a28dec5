// Package output renders pgtest CLI results as aligned text, json or yaml.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Format selects how results are rendered
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat maps the --output flag to a Format. The empty string is table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatTable, nil
	case "yml":
		return FormatYAML, nil
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("invalid output format: %s (valid: table, json, yaml)", s)
}

// structured reports whether results are machine readable
func (f Format) structured() bool {
	return f == FormatJSON || f == FormatYAML
}

// Formatter writes results to Writer. Status messages share Writer in table
// mode and move to ErrWriter for json and yaml.
type Formatter struct {
	Format    Format
	NoHeaders bool
	Quiet     bool
	Writer    io.Writer
	ErrWriter io.Writer
}

// NewFormatter returns a formatter bound to stdout and stderr
func NewFormatter(format Format, noHeaders, quiet bool) *Formatter {
	return &Formatter{
		Format:    format,
		NoHeaders: noHeaders,
		Quiet:     quiet,
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
	}
}

// Print encodes v as yaml in yaml mode and as indented json otherwise
func (f *Formatter) Print(v interface{}) error {
	if f.Quiet {
		return nil
	}
	if f.Format == FormatYAML {
		enc := yaml.NewEncoder(f.Writer)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// TableData is a list result. Columns listed in Numeric are right aligned.
type TableData struct {
	Headers []string
	Rows    [][]string
	Numeric []int
}

// Records turns each row into a map keyed by the lower-cased header
func (d TableData) Records() []map[string]string {
	keys := make([]string, len(d.Headers))
	for i, h := range d.Headers {
		keys[i] = strings.ToLower(h)
	}

	out := make([]map[string]string, 0, len(d.Rows))
	for _, row := range d.Rows {
		rec := make(map[string]string, len(keys))
		for i := 0; i < len(row) && i < len(keys); i++ {
			rec[keys[i]] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

func (d TableData) alignments() []int {
	if len(d.Numeric) == 0 {
		return nil
	}
	align := make([]int, len(d.Headers))
	for i := range align {
		align[i] = tablewriter.ALIGN_LEFT
	}
	for _, col := range d.Numeric {
		if col >= 0 && col < len(align) {
			align[col] = tablewriter.ALIGN_RIGHT
		}
	}
	return align
}

// PrintTable renders data as a borderless, tab padded table, or as a list of
// records in json and yaml mode
func (f *Formatter) PrintTable(data TableData) {
	if f.Quiet {
		return
	}
	if f.Format.structured() {
		_ = f.Print(data.Records())
		return
	}

	t := plainTable(f.Writer)
	if len(data.Headers) > 0 && !f.NoHeaders {
		t.SetHeader(data.Headers)
	}
	if align := data.alignments(); align != nil {
		t.SetColumnAlignment(align)
	}
	t.AppendBulk(data.Rows)
	t.Render()
}

func plainTable(w io.Writer) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorder(false)
	t.SetHeaderLine(false)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetTablePadding("\t")
	t.SetNoWhiteSpace(true)
	return t
}

// Field is one labelled value of a detail view
type Field struct {
	Key   string
	Value string
}

// PrintFields renders a detail view. Table mode prints aligned "Key: value"
// lines; json and yaml get a single object keyed by the lower-cased labels
// with spaces replaced by underscores.
func (f *Formatter) PrintFields(fields ...Field) {
	if f.Quiet {
		return
	}

	if f.Format.structured() {
		obj := make(map[string]string, len(fields))
		for _, fd := range fields {
			obj[strings.ReplaceAll(strings.ToLower(fd.Key), " ", "_")] = fd.Value
		}
		_ = f.Print(obj)
		return
	}

	width := 0
	for _, fd := range fields {
		if len(fd.Key) > width {
			width = len(fd.Key)
		}
	}
	for _, fd := range fields {
		_, _ = fmt.Fprintf(f.Writer, "%-*s  %s\n", width+1, fd.Key+":", fd.Value)
	}
}

// PrintSuccess reports a completed action
func (f *Formatter) PrintSuccess(message string) {
	f.status(message)
}

// PrintInfo reports progress or an empty result
func (f *Formatter) PrintInfo(message string) {
	f.status(message)
}

// PrintWarning always goes to ErrWriter
func (f *Formatter) PrintWarning(message string) {
	if !f.Quiet {
		_, _ = fmt.Fprintf(f.ErrWriter, "Warning: %s\n", message)
	}
}

func (f *Formatter) status(message string) {
	if f.Quiet {
		return
	}
	if f.Format.structured() {
		_, _ = fmt.Fprintln(f.ErrWriter, message)
		return
	}
	_, _ = fmt.Fprintln(f.Writer, message)
}
