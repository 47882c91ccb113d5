// Package selabel resolves security labels for files installed by an update.
//
// Labels come from a file_contexts file: one rule per line made of
// an anchored path regular expression, an optional file type field and the
// label. Exact path rules win over regular expressions; among
// rules of the same kind the last matching line wins.
package selabel

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

// XattrName is the extended attribute that stores a file's label.
const XattrName = "security.selinux"

// Handle looks up the label for a path about to be created with mode.
type Handle interface {
	Lookup(path string, mode fs.FileMode) (string, bool)
}

type rule struct {
	raw      string
	re       *regexp.Regexp
	exact    bool
	fileType string
	label    string
}

// FileContexts is a Handle backed by parsed file_contexts rules.
type FileContexts struct {
	rules  []rule
	source string
}

// Open loads file_contexts from path.
func Open(path string) (*FileContexts, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file_contexts: %w", err)
	}
	defer f.Close()

	fc, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	fc.source = path
	return fc, nil
}

// Parse reads file_contexts rules.
func Parse(r io.Reader) (*FileContexts, error) {
	fc := &FileContexts{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		var s rule
		switch len(fields) {
		case 2:
			s = rule{raw: fields[0], label: fields[1]}
		case 3:
			s = rule{raw: fields[0], fileType: fields[1], label: fields[2]}
			if _, ok := fileTypes[s.fileType]; !ok {
				return nil, fmt.Errorf("line %d: unknown file type %q", lineNo, s.fileType)
			}
		default:
			return nil, fmt.Errorf("line %d: expected 2 or 3 fields, got %d", lineNo, len(fields))
		}

		re, err := regexp.Compile("^(?:" + s.raw + ")$")
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		s.re = re
		s.exact = regexp.QuoteMeta(s.raw) == s.raw
		fc.rules = append(fc.rules, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return fc, nil
}

var fileTypes = map[string]fs.FileMode{
	"--": 0,
	"-d": fs.ModeDir,
	"-l": fs.ModeSymlink,
	"-c": fs.ModeCharDevice | fs.ModeDevice,
	"-b": fs.ModeDevice,
	"-s": fs.ModeSocket,
	"-p": fs.ModeNamedPipe,
}

func (s rule) matchesType(mode fs.FileMode) bool {
	if s.fileType == "" {
		return true
	}
	want := fileTypes[s.fileType]
	return mode.Type() == want
}

// Lookup returns the label for path, or false when nothing matches.
func (fc *FileContexts) Lookup(path string, mode fs.FileMode) (string, bool) {
	label, found, exact := "", false, false
	for _, s := range fc.rules {
		if !s.matchesType(mode) || !s.re.MatchString(path) {
			continue
		}
		if exact && !s.exact {
			continue
		}
		label, found, exact = s.label, true, s.exact
	}
	return label, found
}

// Len returns the number of rules.
func (fc *FileContexts) Len() int {
	return len(fc.rules)
}

// Source returns the path the rules were loaded from.
func (fc *FileContexts) Source() string {
	return fc.source
}
