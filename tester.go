package abac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
// POLICY TESTER
// ============================================================================

// TestSuite is a named set of scenarios run against the current policies.
type TestSuite struct {
	Name      string     `json:"name" yaml:"name"`
	Scenarios []Scenario `json:"scenarios" yaml:"scenarios"`
}

// Scenario is one request with its expected outcome.
type Scenario struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	Request     Request     `json:"request" yaml:"request"`
	Expect      Expectation `json:"expect" yaml:"expect"`
}

// Expectation is what a scenario must produce. A nil MatchedPolicyIDs is not checked;
// otherwise the matched set must be equal, in any order.
type Expectation struct {
	Decision         Effect   `json:"decision" yaml:"decision"`
	MatchedPolicyIDs []string `json:"matched_policy_ids,omitempty" yaml:"matched_policy_ids,omitempty"`
}

// TestOptions tune a run. PolicyIDs restricts evaluation to the listed policies
// (by id or name). Timeout bounds each scenario.
type TestOptions struct {
	PolicyIDs      []string      `json:"policy_ids,omitempty" yaml:"policy_ids,omitempty"`
	IncludeTrace   bool          `json:"include_trace,omitempty" yaml:"include_trace,omitempty"`
	FailFast       bool          `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
	MaxConcurrency int           `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type ScenarioResult struct {
	Name             string           `json:"name"`
	Passed           bool             `json:"passed"`
	Decision         Effect           `json:"decision,omitempty"`
	MatchedPolicyIDs []string         `json:"matched_policy_ids,omitempty"`
	Mismatches       []string         `json:"mismatches,omitempty"`
	Error            string           `json:"error,omitempty"`
	Trace            *EvaluationTrace `json:"trace,omitempty"`
	DurationMs       float64          `json:"duration_ms"`
}

type SuiteResult struct {
	Suite      string           `json:"suite"`
	Revision   uint64           `json:"revision"`
	Total      int              `json:"total"`
	Passed     int              `json:"passed"`
	Failed     int              `json:"failed"`
	Errors     int              `json:"errors"`
	DurationMs float64          `json:"duration_ms"`
	Results    []ScenarioResult `json:"results"`
}

// Tester runs suites through an engine without auditing or caching.
type Tester struct {
	engine *Engine
}

func NewTester(e *Engine) *Tester { return &Tester{engine: e} }

// Run evaluates every scenario of suite. Results are in scenario order. With FailFast
// scenarios run one at a time and the run stops at the first failure.
func (t *Tester) Run(ctx context.Context, suite TestSuite, opts TestOptions) (*SuiteResult, error) {
	start := time.Now()
	snap := t.engine.Snapshot()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	if len(opts.PolicyIDs) > 0 {
		snap = snap.Restrict(opts.PolicyIDs)
	}
	out := &SuiteResult{Suite: suite.Name, Revision: snap.Revision}

	if opts.FailFast {
		for _, sc := range suite.Scenarios {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r := t.runScenario(ctx, snap, sc, opts)
			out.Results = append(out.Results, r)
			if !r.Passed {
				break
			}
		}
	} else {
		out.Results = make([]ScenarioResult, len(suite.Scenarios))
		workers := opts.MaxConcurrency
		if workers <= 0 {
			workers = 1
		}
		var g errgroup.Group
		g.SetLimit(workers)
		for i, sc := range suite.Scenarios {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				out.Results[i] = t.runScenario(ctx, snap, sc, opts)
				return nil
			})
		}
		g.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	for _, r := range out.Results {
		out.Total++
		switch {
		case r.Error != "":
			out.Errors++
		case r.Passed:
			out.Passed++
		default:
			out.Failed++
		}
	}
	out.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	return out, nil
}

func (t *Tester) runScenario(ctx context.Context, snap *Snapshot, sc Scenario, opts TestOptions) ScenarioResult {
	start := time.Now()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	res := ScenarioResult{Name: sc.Name}
	dec, _, err := t.engine.decide(ctx, snap, sc.Request, opts.IncludeTrace)
	res.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Decision = dec.Effect
	res.MatchedPolicyIDs = dec.MatchedPolicyIDs
	if opts.IncludeTrace {
		tr := dec.Trace
		res.Trace = &tr
	}
	if sc.Expect.Decision != "" && dec.Effect != sc.Expect.Decision {
		res.Mismatches = append(res.Mismatches, fmt.Sprintf("expected %s, got %s", sc.Expect.Decision, dec.Effect))
	}
	if sc.Expect.MatchedPolicyIDs != nil && !sameSet(sc.Expect.MatchedPolicyIDs, dec.MatchedPolicyIDs) {
		res.Mismatches = append(res.Mismatches, fmt.Sprintf("expected matched policies [%s], got [%s]",
			strings.Join(sc.Expect.MatchedPolicyIDs, " "), strings.Join(dec.MatchedPolicyIDs, " ")))
	}
	res.Passed = len(res.Mismatches) == 0
	return res
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
