package abac_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
)

type noopAuditSink struct{}

func (noopAuditSink) LogDecision(context.Context, *abac.AuditRecord) error { return nil }

// generateTestConfig builds numPolicies document policies spread over numTypes resource types.
func generateTestConfig(numPolicies, numTypes int) *abac.Config {
	b := abac.NewConfigBuilder()
	for i := 0; i < numTypes; i++ {
		b.AddResource(fmt.Sprintf("type-%d", i), abac.Attr("department", abac.TypeString))
	}
	b.AddRole(abac.NewRole("employee").Attr("clearance", 1).Build())
	b.AddUser(abac.NewUser("alice").Attr("department", "finance").Build())
	b.Assign("alice", "employee")
	for i := 0; i < numPolicies; i++ {
		p := abac.NewPolicy(fmt.Sprintf("policy-%d", i)).
			Priority(i%10).
			For(fmt.Sprintf("type-%d", i%numTypes), "read").
			Rule("dept", abac.And(abac.EqRef("user.department", "resource.department"), abac.Gte("user.clearance", 1)))
		if i%7 == 0 {
			p.Deny().Rule("frozen", abac.Eq("resource.frozen", true))
		}
		b.AddPolicy(p.Build())
	}
	return b.Build()
}

func benchEngine(b *testing.B, numPolicies int, opts ...abac.EngineOption) *abac.Engine {
	b.Helper()
	ctx := context.Background()
	cfg := generateTestConfig(numPolicies, 20)
	repo, _ := newRepo()
	if err := abac.ApplyConfig(ctx, repo, cfg); err != nil {
		b.Fatalf("apply: %v", err)
	}
	ref, err := abac.NewRefresher(ctx, repo, abac.WithRefresherLogger(logger.NewNullLogger()))
	if err != nil {
		b.Fatalf("refresher: %v", err)
	}
	opts = append([]abac.EngineOption{abac.WithLogger(logger.NewNullLogger())}, opts...)
	e, err := abac.NewEngine(ref, opts...)
	if err != nil {
		b.Fatalf("engine: %v", err)
	}
	b.Cleanup(func() { e.Close(ctx) })
	return e
}

var benchRequest = abac.Request{
	SubjectID:          "alice",
	ResourceType:       "type-3",
	ResourceID:         "doc-1",
	Action:             "read",
	ResourceAttributes: map[string]any{"department": "finance"},
}

func BenchmarkEvaluate(b *testing.B) {
	for _, n := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("policies=%d", n), func(b *testing.B) {
			e := benchEngine(b, n)
			ctx := context.Background()
			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_, _ = e.Evaluate(ctx, benchRequest)
			}
		})
	}
}

func BenchmarkEvaluateCached(b *testing.B) {
	e := benchEngine(b, 1000, abac.WithDecisionCache(1e5, 1e4, time.Minute))
	ctx := context.Background()
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = e.Evaluate(ctx, benchRequest)
	}
}

func BenchmarkEvaluateParallelWithAudit(b *testing.B) {
	e := benchEngine(b, 100, abac.WithAuditSink(noopAuditSink{}), abac.WithAuditBuffer(1<<16))
	ctx := context.Background()
	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = e.Evaluate(ctx, benchRequest)
		}
	})
}

func BenchmarkExplain(b *testing.B) {
	e := benchEngine(b, 100)
	ctx := context.Background()
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = e.Explain(ctx, benchRequest)
	}
}

func BenchmarkConfigYAMLRoundTrip(b *testing.B) {
	data, err := generateTestConfig(100, 20).ToYAML()
	if err != nil {
		b.Fatalf("encode: %v", err)
	}
	loader := abac.NewConfigLoader()
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = loader.LoadYAML(data)
	}
}
