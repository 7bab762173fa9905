package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli"
	"sigs.k8s.io/yaml"
)

const (
	OutputFormatPlain = "plain"
	OutputFormatJSON  = "json"
	OutputFormatYAML  = "yaml"
)

// ParseOutputFormat validates and normalizes output format values.
// Empty values default to plain output.
func ParseOutputFormat(raw string) (string, error) {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return OutputFormatPlain, nil
	}

	switch normalized {
	case OutputFormatPlain, OutputFormatJSON, OutputFormatYAML:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid output format %q (supported: %q, %q, %q)",
			raw, OutputFormatPlain, OutputFormatJSON, OutputFormatYAML)
	}
}

// OutputFlag returns the flag selecting the output format.
func OutputFlag() cli.Flag {
	return cli.StringFlag{
		Name:  "output,o",
		Usage: "output format [plain, json, yaml]",
	}
}

func WriteJSON(v any) error {
	return WriteJSONToWriter(os.Stdout, v)
}

func WriteJSONToWriter(w io.Writer, v any) error {
	if w == nil {
		return errors.New("writer is nil")
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func WriteYAML(v any) error {
	return WriteYAMLToWriter(os.Stdout, v)
}

func WriteYAMLToWriter(w io.Writer, v any) error {
	if w == nil {
		return errors.New("writer is nil")
	}
	raw, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}
