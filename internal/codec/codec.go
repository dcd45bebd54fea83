// Package codec renders run journals for export.
package codec

import (
	"fmt"
	"io"
	"sort"

	"mactable/internal/domain"
)

// Importer reads a run journal back from an export
type Importer interface {
	Parse(r io.Reader) (*domain.Run, error)
	Format() string
}

// Exporter writes a run journal in one format
type Exporter interface {
	Export(run *domain.Run, w io.Writer) error
	Format() string
}

var exporters = map[string]Exporter{
	"json": NewJSONCodec(),
	"yaml": NewYAMLCodec(),
	"text": NewTextCodec(),
}

// ForFormat returns the exporter for format. "yml" is accepted for yaml.
func ForFormat(format string) (Exporter, error) {
	if format == "yml" {
		format = "yaml"
	}
	e, ok := exporters[format]
	if !ok {
		return nil, fmt.Errorf("unknown export format %q (want one of %v)", format, Formats())
	}
	return e, nil
}

// Formats lists the supported export formats
func Formats() []string {
	out := make([]string, 0, len(exporters))
	for f := range exporters {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ContentType returns the HTTP media type for format
func ContentType(format string) string {
	switch format {
	case "json":
		return "application/json"
	case "yaml", "yml":
		return "application/x-yaml"
	default:
		return "text/plain; charset=utf-8"
	}
}
