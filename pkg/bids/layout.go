// Package bids indexes a BIDS-derivatives directory tree and answers
// entity-filtered file queries, mirroring the subset of pybids layout
// behavior the QC pipeline relies on: filtering by entity key-value
// tags, suffix and extension, plus enumeration of the dataset's
// subject/session/task/run dimensions.
package bids

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is one indexed derivative file with its parsed name entities.
type Entry struct {
	// Path is the absolute path of the file.
	Path string

	// Entities maps entity keys ("sub", "ses", "task", "run", "desc",
	// "space", "res", "from", "to", "mode", ...) to their values.
	Entities map[string]string

	// Suffix is the final underscore-separated name component before
	// the extension, e.g. "boldref", "xfm", "mask".
	Suffix string

	// Extension is the full extension including the leading dot;
	// ".nii.gz" is treated as a single extension.
	Extension string
}

// Filter selects entries by entity values. Empty fields match anything.
type Filter struct {
	Subject   string
	Session   string
	Task      string
	Run       string
	Desc      string
	Space     string
	Res       string
	To        string
	Mode      string
	Suffix    string
	Extension string
}

// Layout is an immutable index over a derivatives tree, built once and
// queried many times. Query results are deterministic: entries are held
// in lexicographic path order.
type Layout struct {
	root    string
	entries []Entry
}

// NewLayout walks the derivatives tree rooted at root and indexes every
// regular file whose name parses as a BIDS derivative (at least one
// entity tag plus a suffix).
func NewLayout(root string) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %v", root, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("failed to open derivatives directory: %v", err)
	}

	layout := &Layout{root: abs}
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if e, ok := ParseName(path); ok {
			layout.entries = append(layout.entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index %s: %v", abs, err)
	}

	sort.Slice(layout.entries, func(i, j int) bool {
		return layout.entries[i].Path < layout.entries[j].Path
	})
	return layout, nil
}

// Root returns the indexed directory.
func (l *Layout) Root() string { return l.root }

// Size returns the number of indexed files.
func (l *Layout) Size() int { return len(l.entries) }

// ParseName parses the BIDS entities out of a filename. It returns
// false for names with no entity tags or no suffix, which is how
// non-derivative files (READMEs, logs) are excluded from the index.
func ParseName(path string) (Entry, bool) {
	base := filepath.Base(path)

	ext := ""
	if i := strings.Index(base, "."); i >= 0 {
		ext = base[i:]
		base = base[:i]
	}

	parts := strings.Split(base, "_")
	if len(parts) < 2 {
		return Entry{}, false
	}

	e := Entry{
		Path:      path,
		Entities:  make(map[string]string, len(parts)-1),
		Extension: ext,
	}
	for _, p := range parts[:len(parts)-1] {
		k, v, ok := strings.Cut(p, "-")
		if !ok || k == "" || v == "" {
			return Entry{}, false
		}
		e.Entities[k] = v
	}

	// The last component is the suffix and must not be key-value.
	if strings.Contains(parts[len(parts)-1], "-") {
		return Entry{}, false
	}
	e.Suffix = parts[len(parts)-1]
	if e.Suffix == "" {
		return Entry{}, false
	}
	return e, true
}

// Query returns the paths of all entries matching the filter, in
// lexicographic order. Callers that need "first match wins" semantics
// take element zero.
func (l *Layout) Query(f Filter) []string {
	var out []string
	for _, e := range l.entries {
		if matches(e, f) {
			out = append(out, e.Path)
		}
	}
	return out
}

func matches(e Entry, f Filter) bool {
	if f.Suffix != "" && e.Suffix != f.Suffix {
		return false
	}
	if f.Extension != "" && e.Extension != f.Extension {
		return false
	}
	checks := []struct{ key, want string }{
		{"sub", f.Subject},
		{"ses", f.Session},
		{"task", f.Task},
		{"desc", f.Desc},
		{"space", f.Space},
		{"to", f.To},
		{"mode", f.Mode},
	}
	for _, c := range checks {
		if c.want != "" && e.Entities[c.key] != c.want {
			return false
		}
	}
	// Run and res values compare numerically when possible, so run-1
	// matches run-01 the way pybids treats index entities.
	if f.Run != "" && !indexEqual(e.Entities["run"], f.Run) {
		return false
	}
	if f.Res != "" && !indexEqual(e.Entities["res"], f.Res) {
		return false
	}
	return true
}

func indexEqual(have, want string) bool {
	if have == want {
		return true
	}
	if have == "" {
		return false
	}
	return strings.TrimLeft(have, "0") == strings.TrimLeft(want, "0")
}

// Tasks returns the sorted distinct task values present in the dataset.
func (l *Layout) Tasks() []string {
	return l.values("task", Filter{})
}

// Subjects returns the sorted distinct subjects having files for the
// given task (any task when task is empty).
func (l *Layout) Subjects(task string) []string {
	return l.values("sub", Filter{Task: task})
}

// Sessions returns the sorted distinct sessions for a subject and task.
func (l *Layout) Sessions(subject, task string) []string {
	return l.values("ses", Filter{Subject: subject, Task: task})
}

// Runs returns the sorted distinct run values for a subject, session
// and task.
func (l *Layout) Runs(subject, session, task string) []string {
	return l.values("run", Filter{Subject: subject, Session: session, Task: task})
}

// HasEntity reports whether any indexed file carries the entity key at
// all, so callers can tell "study without sessions" apart from "subject
// without sessions".
func (l *Layout) HasEntity(key string) bool {
	for _, e := range l.entries {
		if _, ok := e.Entities[key]; ok {
			return true
		}
	}
	return false
}

func (l *Layout) values(key string, f Filter) []string {
	seen := make(map[string]bool)
	for _, e := range l.entries {
		if !matches(e, f) {
			continue
		}
		if v, ok := e.Entities[key]; ok && !seen[v] {
			seen[v] = true
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
