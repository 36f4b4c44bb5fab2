package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"graphsync/internal/envelope"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatHuman OutputFormat = "human"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

func parseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case FormatHuman, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", s)
	}
}

// humanFunc renders the payload of a successful result.
type humanFunc func(b *strings.Builder, data interface{})

// render writes r in the requested format. An Error result is returned as a Go
// error after it is written so the command exits non-zero.
func render(w io.Writer, format OutputFormat, r envelope.Result, human humanFunc) error {
	var out string
	var err error
	switch format {
	case FormatJSON:
		out, err = formatJSON(envelope.ToResponse(r))
	case FormatYAML:
		out, err = formatYAML(envelope.ToResponse(r))
	default:
		out = formatHuman(r, human)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(w, strings.TrimRight(out, "\n"))

	if e, ok := r.(envelope.Error); ok {
		return fmt.Errorf("%s: %s", e.Code, e.Message)
	}
	return nil
}

func formatJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

// formatYAML goes through JSON so field names follow the json tags, then
// re-encodes the decoded tree in block style.
func formatYAML(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("failed to decode JSON as YAML: %w", err)
	}
	blockStyle(&doc)
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return string(out), nil
}

// blockStyle drops the flow and quoting styles of decoded JSON. Strings that
// would read back as something else stay double quoted.
func blockStyle(n *yaml.Node) {
	switch {
	case n.Kind == yaml.ScalarNode && n.Tag == "!!str" && !plainString(n.Value):
		n.Style = yaml.DoubleQuotedStyle
	default:
		n.Style = 0
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func plainString(s string) bool {
	var v interface{}
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return false
	}
	str, ok := v.(string)
	return ok && str == s
}

func formatHuman(r envelope.Result, human humanFunc) string {
	var b strings.Builder
	switch v := r.(type) {
	case envelope.Error:
		fmt.Fprintf(&b, "✗ %s (%s)\n", v.Message, v.Code)
		return b.String()
	case envelope.Success:
		writeSummary(&b, v.Summary)
		if human != nil && v.Data != nil {
			human(&b, v.Data)
		}
	case envelope.Degraded:
		writeSummary(&b, v.Summary)
		if human != nil && v.Data != nil {
			human(&b, v.Data)
		}
		b.WriteString("\nWarnings:\n")
		for _, w := range v.Warnings {
			if w.Code != "" {
				fmt.Fprintf(&b, "  ! [%s] %s\n", w.Code, w.Message)
			} else {
				fmt.Fprintf(&b, "  ! %s\n", w.Message)
			}
		}
	}
	return b.String()
}

func writeSummary(b *strings.Builder, summary string) {
	if summary == "" {
		return
	}
	b.WriteString(summary + "\n")
	b.WriteString(strings.Repeat("=", min(len(summary), 60)) + "\n\n")
}
