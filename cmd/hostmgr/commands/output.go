package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/hostmanager/pkg/drivers"
	"github.com/openfroyo/hostmanager/pkg/engine"
)

var stdout io.Writer = os.Stdout

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...interface{}) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row(header))
	return t
}

// parseID parses a record ID argument.
func parseID(s string) (engine.ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return engine.ID(n), nil
}

// parseAssignments turns key=value pairs into a map. Values are read as YAML
// scalars or flow collections, so ram=512 is a number, up=true a boolean and
// dns=[a, b] a list. Anything else stays a string.
func parseAssignments(pairs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, expected key=value", pair)
		}

		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		out[key] = value
	}
	return out, nil
}

func parseAttrs(pairs []string) (engine.Attributes, error) {
	values, err := parseAssignments(pairs)
	if err != nil {
		return nil, err
	}
	attrs := make(engine.Attributes, len(values))
	for k, v := range values {
		attrs[engine.AttrName(k)] = v
	}
	return attrs, nil
}

func stateText(s engine.State) string {
	switch s {
	case drivers.StateStarted:
		return text.FgGreen.Sprint(s)
	case drivers.StatePrepared:
		return text.FgYellow.Sprint(s)
	default:
		return text.FgHiBlack.Sprint(s)
	}
}

func formatIDs(ids []engine.ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(int64(id), 10)
	}
	return strings.Join(parts, ",")
}

func formatAttrs(attrs engine.Attributes) string {
	keys := attrs.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, attrs[k]))
	}
	return strings.Join(parts, " ")
}

func formatTimeout(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func printElements(elements []engine.ElementInfo) error {
	if jsonOutput {
		return printJSON(elements)
	}
	t := newTable("ID", "TYPE", "STATE", "OWNER", "PARENT", "CONNECTION", "TIMEOUT")
	for _, e := range elements {
		parent, con := "-", "-"
		if e.Parent != 0 {
			parent = strconv.FormatInt(int64(e.Parent), 10)
		}
		if e.Connection != 0 {
			con = strconv.FormatInt(int64(e.Connection), 10)
		}
		t.AppendRow(table.Row{e.ID, e.Type, stateText(e.State), e.Owner, parent, con, formatTimeout(e.Timeout)})
	}
	t.Render()
	return nil
}

func printElement(e engine.ElementInfo) error {
	if jsonOutput {
		return printJSON(e)
	}
	fmt.Fprintf(stdout, "Element %s\n", text.FgHiCyan.Sprint(e.ID))
	fmt.Fprintf(stdout, "  Type:       %s\n", e.Type)
	fmt.Fprintf(stdout, "  State:      %s\n", stateText(e.State))
	fmt.Fprintf(stdout, "  Owner:      %s\n", e.Owner)
	if e.Parent != 0 {
		fmt.Fprintf(stdout, "  Parent:     %d\n", e.Parent)
	}
	if len(e.Children) > 0 {
		fmt.Fprintf(stdout, "  Children:   %s\n", formatIDs(e.Children))
	}
	if e.Connection != 0 {
		fmt.Fprintf(stdout, "  Connection: %d\n", e.Connection)
	}
	fmt.Fprintf(stdout, "  Timeout:    %s\n", formatTimeout(e.Timeout))
	if len(e.Attrs) > 0 {
		fmt.Fprintf(stdout, "  Attributes: %s\n", formatAttrs(e.Attrs))
	}
	return nil
}

func printConnections(connections []engine.ConnectionInfo) error {
	if jsonOutput {
		return printJSON(connections)
	}
	t := newTable("ID", "TYPE", "STATE", "OWNER", "ELEMENTS")
	for _, c := range connections {
		t.AppendRow(table.Row{c.ID, c.Type, stateText(c.State), c.Owner, formatIDs(c.Elements)})
	}
	t.Render()
	return nil
}

func printConnection(c engine.ConnectionInfo) error {
	if jsonOutput {
		return printJSON(c)
	}
	fmt.Fprintf(stdout, "Connection %s\n", text.FgHiCyan.Sprint(c.ID))
	fmt.Fprintf(stdout, "  Type:       %s\n", c.Type)
	fmt.Fprintf(stdout, "  State:      %s\n", stateText(c.State))
	fmt.Fprintf(stdout, "  Owner:      %s\n", c.Owner)
	fmt.Fprintf(stdout, "  Elements:   %s\n", formatIDs(c.Elements))
	if len(c.Attrs) > 0 {
		fmt.Fprintf(stdout, "  Attributes: %s\n", formatAttrs(c.Attrs))
	}
	return nil
}
