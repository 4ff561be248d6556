package coverage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/registrar/pkg/routing"
)

// Problems reported by the auditor
const (
	ProblemUnguarded       = "write operation has no guard and no exemption"
	ProblemBlankExemption  = "inline exemption has no reason"
	ProblemOutsideTable    = "route mounted outside the route table"
	ProblemAnyMethod       = "route accepts every method"
	ProblemMissing         = "exempted operation does not exist"
	ProblemAlreadyGuarded  = "exempted operation is already guarded"
	ProblemReadOnly        = "exempted operation is not a write"
	ProblemDuplicateInline = "operation is exempt both inline and in the exemption file"
)

// Failure is an unguarded write operation
type Failure struct {
	File      string `json:"file"`
	Line      int    `json:"line"`
	Operation string `json:"operation"`
	Problem   string `json:"problem"`
}

func (f Failure) String() string {
	if f.File == "" {
		return fmt.Sprintf("%s: %s", f.Operation, f.Problem)
	}
	return fmt.Sprintf("%s:%d: %s: %s", f.File, f.Line, f.Operation, f.Problem)
}

// Warning is a stale or redundant exemption
type Warning struct {
	Operation string `json:"operation"`
	Problem   string `json:"problem"`
}

func (w Warning) String() string {
	return w.Operation + ": " + w.Problem
}

// Result is the outcome of one audit
type Result struct {
	Checked  int       `json:"checked"`
	Guarded  int       `json:"guarded"`
	Exempt   int       `json:"exempt"`
	Failures []Failure `json:"failures"`
	Warnings []Warning `json:"warnings"`
}

// OK reports whether the audit found no failures. Warnings do not fail it.
func (r *Result) OK() bool {
	return len(r.Failures) == 0
}

// Error summarizes the failures, one per line, or returns "" when OK
func (r *Result) Error() string {
	if r.OK() {
		return ""
	}
	lines := make([]string, 0, len(r.Failures)+1)
	lines = append(lines, fmt.Sprintf("%d unguarded write operations:", len(r.Failures)))
	for _, f := range r.Failures {
		lines = append(lines, "  "+f.String())
	}
	return strings.Join(lines, "\n")
}

// Auditor checks a route table against an exemption set
type Auditor struct {
	table *routing.Table

	mu         sync.RWMutex
	exemptions *Exemptions
}

// NewAuditor creates an auditor over table. A nil exemption set is empty.
func NewAuditor(table *routing.Table, exemptions *Exemptions) *Auditor {
	if exemptions == nil {
		exemptions = NoExemptions()
	}
	return &Auditor{table: table, exemptions: exemptions}
}

// SetExemptions swaps the exemption set
func (a *Auditor) SetExemptions(e *Exemptions) {
	if e == nil {
		e = NoExemptions()
	}
	a.mu.Lock()
	a.exemptions = e
	a.mu.Unlock()
}

// Exemptions returns the current exemption set
func (a *Auditor) Exemptions() *Exemptions {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.exemptions
}

// Audit checks every declared operation and every route on the router
func (a *Auditor) Audit() *Result {
	exemptions := a.Exemptions()
	res := &Result{Failures: []Failure{}, Warnings: []Warning{}}

	declared := make(map[string]routing.Declaration)
	for _, d := range a.table.Declarations() {
		op := d.Operation()
		declared[op] = d

		fileEx, inFile := exemptions.Lookup(op)
		if !d.Mutating() {
			if inFile {
				res.Warnings = append(res.Warnings, Warning{Operation: fileEx.Operation, Problem: ProblemReadOnly})
			}
			continue
		}

		res.Checked++
		switch {
		case d.Guarded():
			res.Guarded++
			if inFile {
				res.Warnings = append(res.Warnings, Warning{Operation: op, Problem: ProblemAlreadyGuarded})
			}
		case d.Exempt && strings.TrimSpace(d.ExemptReason) == "":
			res.Failures = append(res.Failures, failure(d, ProblemBlankExemption))
		case d.Exempt:
			res.Exempt++
			if inFile {
				res.Warnings = append(res.Warnings, Warning{Operation: op, Problem: ProblemDuplicateInline})
			}
		case inFile:
			res.Exempt++
		default:
			res.Failures = append(res.Failures, failure(d, ProblemUnguarded))
		}
	}

	for _, op := range exemptions.Operations() {
		if _, ok := declared[op]; !ok {
			res.Warnings = append(res.Warnings, Warning{Operation: op, Problem: ProblemMissing})
		}
	}

	res.Failures = append(res.Failures, a.walk(declared)...)

	sort.SliceStable(res.Failures, func(i, j int) bool {
		if res.Failures[i].File != res.Failures[j].File {
			return res.Failures[i].File < res.Failures[j].File
		}
		if res.Failures[i].Line != res.Failures[j].Line {
			return res.Failures[i].Line < res.Failures[j].Line
		}
		return res.Failures[i].Operation < res.Failures[j].Operation
	})
	sort.SliceStable(res.Warnings, func(i, j int) bool {
		return res.Warnings[i].Operation < res.Warnings[j].Operation
	})
	return res
}

// walk finds handlers mounted on the router without going through the table
func (a *Auditor) walk(declared map[string]routing.Declaration) []Failure {
	var out []Failure
	_ = a.table.Router().Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		if route.GetHandler() == nil {
			return nil
		}
		path, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, err := route.GetMethods()
		if err != nil {
			out = append(out, Failure{Operation: "* " + path, Problem: ProblemAnyMethod})
			return nil
		}
		for _, m := range methods {
			op := strings.ToUpper(m) + " " + path
			if _, ok := declared[op]; !ok && routing.IsMutating(m) {
				out = append(out, Failure{Operation: op, Problem: ProblemOutsideTable})
			}
		}
		return nil
	})
	return out
}

func failure(d routing.Declaration, problem string) Failure {
	return Failure{File: d.File, Line: d.Line, Operation: d.Operation(), Problem: problem}
}

// CoverageSummary renders the audit for the write_route_coverage health probe
func (a *Auditor) CoverageSummary() (failures, warnings []string, err error) {
	res := a.Audit()
	for _, f := range res.Failures {
		failures = append(failures, f.String())
	}
	for _, w := range res.Warnings {
		warnings = append(warnings, w.String())
	}
	return failures, warnings, nil
}
