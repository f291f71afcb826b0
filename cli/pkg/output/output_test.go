package output

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func capture(target **os.File, f func()) string {
	old := *target
	r, w, _ := os.Pipe()
	*target = w

	f()

	w.Close()
	*target = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func captureStdout(f func()) string { return capture(&os.Stdout, f) }
func captureStderr(f func()) string { return capture(&os.Stderr, f) }

func TestMessages(t *testing.T) {
	tests := []struct {
		name   string
		stderr bool
		print  func()
		want   string
		marker string
	}{
		{"success", false, func() { Success("Created %d items in %s", 5, "database") }, "✓ Created 5 items in database", "✓"},
		{"error", true, func() { Error("Failed to connect to %s on port %d", "server", 8080) }, "✗ Failed to connect to server on port 8080", "✗"},
		{"info", false, func() { Info("Processing %d of %d files", 5, 10) }, "Processing 5 of 10 files", ""},
		{"warn", false, func() { Warn("Disk usage is %d%%", 95) }, "⚠ Disk usage is 95%", "⚠"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out string
			if tt.stderr {
				out = captureStderr(tt.print)
			} else {
				out = captureStdout(tt.print)
			}
			assert.Equal(t, tt.want+"\n", out)
			if tt.marker == "" {
				assert.NotContains(t, out, "✓")
				assert.NotContains(t, out, "✗")
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("table")
	require.NoError(t, err)
	assert.Equal(t, FormatTable, f)

	_, err = ParseFormat("yaml")
	assert.Error(t, err)
}

func TestJSON_Indented(t *testing.T) {
	data := map[string]interface{}{
		"aggregate": map[string]interface{}{
			"key":   "2026-10-16",
			"count": 3,
		},
	}

	out := captureStdout(func() {
		assert.NoError(t, JSON(data))
	})

	assert.Contains(t, out, "  \"aggregate\":")
	assert.Contains(t, out, "    \"count\": 3")

	var parsed map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "2026-10-16", parsed["aggregate"]["key"])
}

func TestTable_AddRow(t *testing.T) {
	table := NewTable([]string{"Col1", "Col2"})
	table.AddRow([]string{"val1", "val2"})
	table.AddRow([]string{"short"})
	table.AddRow([]string{"a", "b", "dropped"})

	require.Len(t, table.rows, 3)
	assert.Equal(t, []string{"short", ""}, table.rows[1])
	assert.Equal(t, []string{"a", "b"}, table.rows[2])
}

func TestTable_Render(t *testing.T) {
	table := NewTable([]string{"Short", "VeryLongHeader"})
	table.AddRow([]string{"A", "B"})
	table.AddRow([]string{"LongValue", "C"})

	var buf bytes.Buffer
	table.RenderTo(&buf)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Short      VeryLongHeader  ", lines[0])
	assert.Equal(t, "---------  --------------  ", lines[1])
	assert.Equal(t, "A          B               ", lines[2])
	assert.Equal(t, "LongValue  C               ", lines[3])
}

func TestTable_Render_Empty(t *testing.T) {
	out := captureStdout(func() {
		NewTable([]string{"Name", "Status"}).Render()
	})
	assert.Equal(t, "Name  Status  \n----  ------  \n", out)
}
