package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// IgnoreFileName is the per-directory exclusion file read from an ingest or
// watch root. It uses gitignore syntax: blank lines and # comments are
// skipped, ! re-includes, a trailing / matches directories only and a
// leading / anchors the pattern to the root.
const IgnoreFileName = ".hybridragignore"

type ignorePattern struct {
	re       *regexp.Regexp
	negate   bool
	dirOnly  bool
	anchored bool
}

// ignoreRules decides which paths under a root are left out of ingestion.
// A nil *ignoreRules ignores nothing.
type ignoreRules struct {
	root     string
	patterns []ignorePattern
}

// loadIgnore reads root's ignore file. A missing file yields nil rules.
func loadIgnore(root string) (*ignoreRules, error) {
	f, err := os.Open(filepath.Join(root, IgnoreFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", IgnoreFileName, err)
	}
	defer func() { _ = f.Close() }()

	rules := &ignoreRules{root: root}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		rules.add(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", IgnoreFileName, err)
	}
	return rules, nil
}

func (r *ignoreRules) add(line string) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	var p ignorePattern
	switch {
	case strings.HasPrefix(line, `\#`), strings.HasPrefix(line, `\!`):
		line = line[1:]
	case strings.HasPrefix(line, "!"):
		p.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = strings.TrimPrefix(line, "/")
	} else if strings.Contains(line, "/") && !strings.HasPrefix(line, "**/") {
		// "archive/2019" means "/archive/2019", not "**/archive/2019".
		p.anchored = true
	}
	if line == "" {
		return
	}
	re, err := regexp.Compile("^" + globToRegexp(line) + "$")
	if err != nil {
		slog.Warn("ignore_pattern_invalid", slog.String("pattern", line), slog.String("error", err.Error()))
		return
	}
	p.re = re
	r.patterns = append(r.patterns, p)
}

// Ignored reports whether path, absolute or relative to the root, is
// excluded. The last matching pattern wins.
func (r *ignoreRules) Ignored(path string, isDir bool) bool {
	if r == nil || len(r.patterns) == 0 {
		return false
	}
	rel := path
	if filepath.IsAbs(path) {
		var err error
		if rel, err = filepath.Rel(r.root, path); err != nil || strings.HasPrefix(rel, "..") {
			return false
		}
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return false
	}

	ignored := false
	for _, p := range r.patterns {
		if p.matches(rel, isDir) {
			ignored = !p.negate
		}
	}
	return ignored
}

func (p ignorePattern) matches(rel string, isDir bool) bool {
	parts := strings.Split(rel, "/")
	// Candidates are the path itself and each of its parent directories;
	// a file inside an ignored directory is ignored too.
	for i := len(parts); i >= 1; i-- {
		candidateIsDir := i < len(parts) || isDir
		if p.dirOnly && !candidateIsDir {
			continue
		}
		if p.anchored {
			if p.re.MatchString(strings.Join(parts[:i], "/")) {
				return true
			}
			continue
		}
		if p.re.MatchString(parts[i-1]) || p.re.MatchString(strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

// globToRegexp translates gitignore glob syntax into a regular expression.
func globToRegexp(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				if i+2 < len(glob) && glob[i+2] == '/' {
					b.WriteString("(?:.*/)?")
					i += 2
					continue
				}
				b.WriteString(".*")
				i++
				continue
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := glob[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end + 1
		case '\\':
			if i+1 < len(glob) {
				i++
				b.WriteString(regexp.QuoteMeta(string(glob[i])))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}
