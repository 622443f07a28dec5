package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/olekukonko/tablewriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newTestFormatter(format Format) (*Formatter, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	f := NewFormatter(format, false, false)
	f.Writer = &out
	f.ErrWriter = &errOut
	return f, &out, &errOut
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
		wantErr  bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{"yml", FormatYAML, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			f, err := ParseFormat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, f)
		})
	}
}

var sample = TableData{
	Headers: []string{"NAME", "SIZE"},
	Rows: [][]string{
		{"pgtest_a", "8.0 MB"},
		{"pgtest_b", "7.5 MB"},
	},
}

func TestPrintTable(t *testing.T) {
	t.Run("table", func(t *testing.T) {
		f, out, _ := newTestFormatter(FormatTable)
		f.PrintTable(sample)

		assert.Contains(t, out.String(), "NAME")
		assert.Contains(t, out.String(), "pgtest_b")
	})

	t.Run("json records", func(t *testing.T) {
		f, out, _ := newTestFormatter(FormatJSON)
		f.PrintTable(sample)

		var records []map[string]string
		require.NoError(t, json.Unmarshal(out.Bytes(), &records))
		assert.Equal(t, []map[string]string{
			{"name": "pgtest_a", "size": "8.0 MB"},
			{"name": "pgtest_b", "size": "7.5 MB"},
		}, records)
	})

	t.Run("yaml records", func(t *testing.T) {
		f, out, _ := newTestFormatter(FormatYAML)
		f.PrintTable(sample)

		var records []map[string]string
		require.NoError(t, yaml.Unmarshal(out.Bytes(), &records))
		assert.Len(t, records, 2)
	})

	t.Run("quiet", func(t *testing.T) {
		f, out, _ := newTestFormatter(FormatTable)
		f.Quiet = true
		f.PrintTable(sample)

		assert.Empty(t, out.String())
	})
}

func TestMessagesStayOffStructuredOutput(t *testing.T) {
	f, out, errOut := newTestFormatter(FormatJSON)

	f.PrintInfo("No leftover databases found")

	assert.Empty(t, out.String())
	assert.Equal(t, "No leftover databases found\n", errOut.String())
}

func TestPrintFields(t *testing.T) {
	fields := []Field{
		{Key: "Database", Value: "pgtest_a"},
		{Key: "Scoped URL", Value: "postgres://app@localhost/pgtest_a"},
	}

	t.Run("table aligns labels", func(t *testing.T) {
		f, out, _ := newTestFormatter(FormatTable)
		f.PrintFields(fields...)

		assert.Equal(t,
			"Database:    pgtest_a\nScoped URL:  postgres://app@localhost/pgtest_a\n",
			out.String())
	})

	t.Run("json single object", func(t *testing.T) {
		f, out, _ := newTestFormatter(FormatJSON)
		f.PrintFields(fields...)

		var obj map[string]string
		require.NoError(t, json.Unmarshal(out.Bytes(), &obj))
		assert.Equal(t, map[string]string{
			"database":   "pgtest_a",
			"scoped_url": "postgres://app@localhost/pgtest_a",
		}, obj)
	})
}

func TestNumericColumnsAlignRight(t *testing.T) {
	data := TableData{
		Headers: []string{"NAME", "SIZE"},
		Rows:    [][]string{{"a", "1"}, {"b", "100"}},
		Numeric: []int{1, 7},
	}

	assert.Equal(t, []int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT}, data.alignments())
	assert.Nil(t, TableData{Headers: []string{"NAME"}}.alignments())
}
