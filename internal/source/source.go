// Package source loads candidate endpoints from list files and inline
// configuration, and watches list files for changes.
package source

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hazz-dev/egresspool/internal/registry"
)

// Parse reads one candidate per line. Accepted forms are
// "scheme://host:port", "host:port" and whitespace-separated
// "host port [scheme]" as exported from proxy list tables. Blank lines and
// lines starting with '#' are ignored. Invalid lines are skipped and
// reported together in the returned error alongside the valid keys.
func Parse(r io.Reader) ([]registry.Key, error) {
	var keys []registry.Key
	var errs []error

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, err := ParseLine(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", lineNo, err))
			continue
		}
		keys = append(keys, k)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, fmt.Errorf("reading candidates: %w", err))
	}
	return keys, errors.Join(errs...)
}

// ParseLine parses a single candidate line.
func ParseLine(line string) (registry.Key, error) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 1:
		return registry.ParseKey(fields[0])
	case 2:
		return registry.ParseKey(fields[0] + ":" + fields[1])
	case 3:
		return registry.ParseKey(strings.ToLower(fields[2]) + "://" + fields[0] + ":" + fields[1])
	default:
		return registry.Key{}, fmt.Errorf("unrecognized candidate %q", line)
	}
}

// LoadFile parses the candidate list at path.
func LoadFile(path string) ([]registry.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening candidate file: %w", err)
	}
	defer f.Close()

	keys, err := Parse(f)
	if err != nil {
		return keys, fmt.Errorf("parsing %s: %w", path, err)
	}
	return keys, nil
}

// Load collects candidates from files and inline entries, dropping
// duplicates. Unreadable files and invalid entries are reported in the
// returned error; everything that did parse is still returned.
func Load(files, inline []string) ([]registry.Key, error) {
	seen := make(map[registry.Key]bool)
	var keys []registry.Key
	var errs []error

	add := func(ks []registry.Key) {
		for _, k := range ks {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	for _, path := range files {
		ks, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
		}
		add(ks)
	}
	for i, s := range inline {
		k, err := ParseLine(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("inline endpoint %d: %w", i, err))
			continue
		}
		add([]registry.Key{k})
	}
	return keys, errors.Join(errs...)
}
