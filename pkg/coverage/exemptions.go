package coverage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/registrar/pkg/routing"
)

// Exemption excuses one write operation from the guard requirement
type Exemption struct {
	Operation string `yaml:"operation" json:"operation"`
	Reason    string `yaml:"reason" json:"reason"`
}

type exemptionFile struct {
	Exemptions []Exemption `yaml:"exemptions"`
}

// Exemptions is a parsed exemption file keyed by operation
type Exemptions struct {
	Path    string
	entries map[string]Exemption
}

// NoExemptions returns an empty set
func NoExemptions() *Exemptions {
	return &Exemptions{entries: map[string]Exemption{}}
}

// ParseExemptions reads the YAML exemption format. Every entry needs an
// operation of the form "METHOD /path" and a non-empty reason.
func ParseExemptions(r io.Reader) (*Exemptions, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read exemptions: %w", err)
	}

	var file exemptionFile
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, fmt.Errorf("failed to parse exemptions: %w", err)
		}
	}

	out := NoExemptions()
	var errs []error
	for i, e := range file.Exemptions {
		op, err := normalizeOperation(e.Operation)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i+1, err))
			continue
		}
		e.Operation = op
		e.Reason = strings.TrimSpace(e.Reason)
		if e.Reason == "" {
			errs = append(errs, fmt.Errorf("entry %d (%s): reason is required", i+1, op))
			continue
		}
		if _, dup := out.entries[op]; dup {
			errs = append(errs, fmt.Errorf("entry %d: duplicate exemption for %s", i+1, op))
			continue
		}
		out.entries[op] = e
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// LoadExemptions parses the file at path. A missing file is an empty set.
func LoadExemptions(path string) (*Exemptions, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		e := NoExemptions()
		e.Path = path
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open exemptions: %w", err)
	}
	defer f.Close()

	e, err := ParseExemptions(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	e.Path = path
	return e, nil
}

// Lookup returns the exemption for operation, if any
func (e *Exemptions) Lookup(operation string) (Exemption, bool) {
	if e == nil {
		return Exemption{}, false
	}
	ex, ok := e.entries[operation]
	return ex, ok
}

// Operations lists the exempted operations in sorted order
func (e *Exemptions) Operations() []string {
	if e == nil {
		return nil
	}
	ops := make([]string, 0, len(e.entries))
	for op := range e.entries {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Len returns the number of exemptions
func (e *Exemptions) Len() int {
	if e == nil {
		return 0
	}
	return len(e.entries)
}

func normalizeOperation(op string) (string, error) {
	method, path, ok := strings.Cut(strings.TrimSpace(op), " ")
	path = strings.TrimSpace(path)
	if !ok || method == "" || !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("operation %q must look like \"METHOD /path\"", op)
	}
	method = strings.ToUpper(method)
	if !routing.IsMutating(method) && method != "GET" && method != "HEAD" && method != "OPTIONS" {
		return "", fmt.Errorf("operation %q has unknown method %s", op, method)
	}
	return method + " " + path, nil
}
