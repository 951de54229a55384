package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hwtopo/internal/codec"
	"hwtopo/internal/loader"
	"hwtopo/internal/topology"
)

// FormatFacts selects the flat fact file format of package loader
const FormatFacts = "facts"

// FileSource reads facts from a file. Format is FormatFacts or a codec
// format name; when empty it is chosen from the file extension, with
// .yaml and .yml files read as fact files.
type FileSource struct {
	name   string
	path   string
	format string
}

// NewFileSource creates a source reading path
func NewFileSource(name, path, format string) *FileSource {
	if name == "" {
		name = "file:" + filepath.Base(path)
	}
	return &FileSource{name: name, path: path, format: format}
}

// Name returns the source identifier
func (s *FileSource) Name() string { return s.name }

// Kind returns SourceKindFile
func (s *FileSource) Kind() SourceKind { return SourceKindFile }

// Path returns the file the source reads
func (s *FileSource) Path() string { return s.path }

// Discover reads and parses the file
func (s *FileSource) Discover(ctx context.Context) (*topology.FactBase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format := s.format
	if format == "" {
		format = formatForPath(s.path)
	}
	if format == FormatFacts {
		return loader.Load(s.path)
	}

	c, err := codec.ForFormat(format)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.path, err)
	}
	defer f.Close()

	return c.Parse(f)
}

func formatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".cbor":
		return "cbor"
	}
	return FormatFacts
}
