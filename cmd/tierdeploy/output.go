package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func validateOutput(format string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "", outputTable:
		return outputTable, nil
	case outputJSON, outputYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported --output %q (expected table, json, or yaml)", format)
	}
}

// writeStructured encodes v as json or yaml.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("format %q is not structured", format)
	}
}
