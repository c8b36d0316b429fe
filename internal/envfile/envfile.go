// Package envfile loads the supervisor's KEY=VALUE settings file.
//
// The format is deliberately dumb: one KEY=VALUE per line, '#' comments,
// blank lines ignored, values captured literally to end of line with no
// quoting or escaping. CRLF input is tolerated but normalized to LF on
// disk before parsing.
package envfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrConfigMissing is returned by Locate when the settings file does not
// exist. Callers exit 1 without spawning anything.
var ErrConfigMissing = errors.New("config file not found")

// MalformedLineError reports a non-comment, non-blank line without '='.
type MalformedLineError struct {
	Path string
	Line int
	Text string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("%s:%d: expected KEY=VALUE, got %q", e.Path, e.Line, e.Text)
}

// Locate resolves path to an absolute path and verifies the file exists.
// A missing file is a hard error with remediation text; no defaults are
// silently assumed.
func Locate(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s (copy .env.example next to it and fill in your credentials)", ErrConfigMissing, abs)
		}
		return "", err
	}
	return abs, nil
}

// NormalizeLineEndings rewrites the file in place with LF-only line
// endings if any CR bytes are present. It reports whether the file was
// rewritten.
func NormalizeLineEndings(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	if !bytes.ContainsRune(data, '\r') {
		return false, nil
	}
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	normalized = bytes.ReplaceAll(normalized, []byte{'\r'}, []byte{'\n'})

	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, normalized, info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("rewriting %s with LF line endings: %w", path, err)
	}
	return true, nil
}

// Parse reads the file at path into a Set.
func Parse(path string) (Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f, path)
}

// ParseReader parses KEY=VALUE lines from r. The name is used in error
// messages only.
func ParseReader(r io.Reader, name string) (Set, error) {
	return parse(r, name)
}

func parse(r io.Reader, name string) (Set, error) {
	set := make(Set)
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		// Split on the first '=' only; the value runs literally to
		// end of line.
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, &MalformedLineError{Path: name, Line: lineno, Text: trimmed}
		}
		key := strings.TrimSpace(line[:idx])
		if key == "" {
			return nil, &MalformedLineError{Path: name, Line: lineno, Text: trimmed}
		}
		set[key] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return set, nil
}

// Load is the full settings pipeline: locate, normalize line endings on
// disk, parse.
func Load(path string) (Set, error) {
	abs, err := Locate(path)
	if err != nil {
		return nil, err
	}
	if _, err := NormalizeLineEndings(abs); err != nil {
		return nil, err
	}
	return Parse(abs)
}
