package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

const fieldTableHTML = `<html><body>
<div><span>System Uptime:</span><span>3 days 04h:05m:06s</span></div>
<table><tbody>
  <tr><th>Channel ID</th><td><div>11</div></td><td><div>12</div></td></tr>
  <tr><th>Lock Status</th><td><div>Locked</div></td><td><div>Not Locked</div></td></tr>
  <tr><th>Frequency</th><td><div>543000000 Hz</div></td><td><div>549 MHz</div></td></tr>
</tbody></table>
<table><tbody>
  <tr><th>Channel ID
      1234</th></tr>
  <tr><th>Power Level</th><td><div>45.0 dBmV</div></td></tr>
</tbody></table>
</body></html>`

func parseDoc(t *testing.T, src string) *html.Node {
	doc, err := html.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return doc
}

func TestFieldTables(t *testing.T) {
	tables := FieldTables(parseDoc(t, fieldTableHTML))
	require.Len(t, tables, 2)

	first := tables[0]
	assert.Equal(t, []string{"11", "12"}, first["Channel ID"].Values)
	assert.Equal(t, []string{"Locked", "Not Locked"}, first["Lock Status"].Values)
	assert.Equal(t, []string{"543000000 Hz", "549 MHz"}, first["Frequency"].Values)

	// Second table renders its values concatenated inside the header cell.
	second := tables[1]
	assert.Empty(t, second["Channel ID"].Values)
	assert.Equal(t, "1234", second["Channel ID"].Raw)
	assert.Equal(t, []string{"45.0 dBmV"}, second["Power Level"].Values)
}

func TestFieldTablesRowsWithoutHeader(t *testing.T) {
	tables := FieldTables(parseDoc(t, `<table><tbody>
		<tr><td><div>ignored</div></td></tr>
		<tr><th>Modulation</th><td><div>256QAM</div></td></tr>
	</tbody></table>`))
	require.Len(t, tables, 1)
	assert.Len(t, tables[0], 1)
	assert.Equal(t, []string{"256QAM"}, tables[0]["Modulation"].Values)
}

func TestSpanValueAfter(t *testing.T) {
	doc := parseDoc(t, fieldTableHTML)
	assert.Equal(t, "3 days 04h:05m:06s", SpanValueAfter(doc, "System Uptime:"))
	assert.Equal(t, "", SpanValueAfter(doc, "No Such Label:"))
}
