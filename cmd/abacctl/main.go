package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
	"github.com/oarkflow/abac/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	case "eval":
		handleEval()
	case "test":
		handleTest()
	case "audit":
		handleAudit()
	case "watch":
		handleWatch()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("abacctl - Administration tool for the abac engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  abacctl convert <input> <output>          - Convert between YAML and JSON")
	fmt.Println("  abacctl validate <file>                   - Validate configuration")
	fmt.Println("  abacctl stats <file>                      - Show configuration statistics")
	fmt.Println("  abacctl apply <file> <store>              - Apply configuration to a store")
	fmt.Println("  abacctl eval <source> <request.json>      - Evaluate a request and print the decision")
	fmt.Println("  abacctl test <source> <suite>             - Run a scenario suite")
	fmt.Println("  abacctl audit <sqlite-file> [subject]     - Print recorded decisions")
	fmt.Println("  abacctl watch <store>                     - Follow snapshot revisions of a store")
	fmt.Println()
	fmt.Println("A source is a config file or a store.")
	fmt.Println("Stores: sqlite:<file>, badger:<dir>")
	fmt.Println("With ABAC_REDIS_ADDR set, apply publishes changes and watch subscribes to them.")
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func handleConvert() {
	if len(os.Args) < 4 {
		fail("Usage: abacctl convert <input> <output>")
	}
	inputFile, outputFile := os.Args[2], os.Args[3]
	cfg, err := abac.NewConfigLoader().LoadFile(inputFile)
	if err != nil {
		fail("Error loading config: %v", err)
	}
	var data []byte
	switch strings.ToLower(filepath.Ext(outputFile)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		fail("unsupported file format: %s", filepath.Ext(outputFile))
	}
	if err != nil {
		fail("Error encoding config: %v", err)
	}
	if err := os.WriteFile(outputFile, data, 0644); err != nil {
		fail("Error saving config: %v", err)
	}
	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fail("Usage: abacctl validate <file>")
	}
	cfg, err := abac.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fail("Invalid configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fail("Invalid configuration:\n%v", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Resource types: %d\n", len(cfg.ResourceDefinitions))
	fmt.Printf("  Environments: %d\n", len(cfg.EnvironmentDefinitions))
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Users: %d\n", len(cfg.Users))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
}

func handleStats() {
	if len(os.Args) < 3 {
		fail("Usage: abacctl stats <file>")
	}
	filename := os.Args[2]
	cfg, err := abac.NewConfigLoader().LoadFile(filename)
	if err != nil {
		fail("Error loading config: %v", err)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Resource types: %d\n", len(cfg.ResourceDefinitions))
	fmt.Printf("  Environments:   %d\n", len(cfg.EnvironmentDefinitions))
	fmt.Printf("  Policies:       %d\n", len(cfg.Policies))
	fmt.Printf("  Roles:          %d\n", len(cfg.Roles))
	fmt.Printf("  Users:          %d\n", len(cfg.Users))
	fmt.Printf("  Assignments:    %d\n", len(cfg.Assignments))
	fmt.Println()

	if len(cfg.Policies) > 0 {
		permitCount, denyCount, rules := 0, 0, 0
		for _, p := range cfg.Policies {
			if p.Effect == abac.EffectPermit {
				permitCount++
			} else {
				denyCount++
			}
			rules += len(p.Rules)
		}
		fmt.Println("Policy Details:")
		fmt.Printf("  Permit policies: %d\n", permitCount)
		fmt.Printf("  Deny policies:   %d\n", denyCount)
		fmt.Printf("  Avg rules:       %.1f\n", float64(rules)/float64(len(cfg.Policies)))
		fmt.Println()
	}

	if len(cfg.Roles) > 0 {
		ctx := context.Background()
		repo := abac.NewRepository(stores.NewMemoryStore(), abac.WithRepositoryLogger(logger.NewNullLogger()))
		if err := abac.ApplyConfig(ctx, repo, cfg); err != nil {
			fail("Error applying config: %v", err)
		}
		data, err := repo.Load(ctx)
		if err != nil {
			fail("Error loading roles: %v", err)
		}
		snap := abac.NewSnapshot(1, data, nil)
		fmt.Println("Role Hierarchy:")
		for _, r := range data.Roles {
			role, ok := snap.Roles.Role(r.ID)
			if !ok {
				continue
			}
			fmt.Printf("  %-24s level %d, %d descendants\n", role.Path, role.Level, len(snap.Roles.Descendants(role.ID)))
		}
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Refresh interval:      %dms\n", cfg.Engine.RefreshIntervalMs)
	fmt.Printf("  Decision cache TTL:    %dms\n", cfg.Engine.DecisionCacheTTL)
	fmt.Printf("  Audit buffer:          %d\n", cfg.Engine.AuditBuffer)
	fmt.Printf("  Audit max retries:     %d\n", cfg.Engine.AuditMaxRetries)
	fmt.Printf("  Batch worker count:    %d\n", cfg.Engine.BatchWorkerCount)
}

func handleApply() {
	if len(os.Args) < 4 {
		fail("Usage: abacctl apply <file> <store>")
	}
	cfg, err := abac.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fail("Error loading config: %v", err)
	}
	b, err := openBackend(os.Args[3])
	if err != nil {
		fail("Error opening store: %v", err)
	}
	defer b.close()

	ctx := context.Background()
	if err := abac.ApplyConfig(ctx, b.repo, cfg); err != nil {
		fail("Error applying config: %v", err)
	}
	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Users: %d\n", len(cfg.Users))
}

func handleEval() {
	if len(os.Args) < 4 {
		fail("Usage: abacctl eval <source> <request.json>")
	}
	raw, err := os.ReadFile(os.Args[3])
	if err != nil {
		fail("Error reading request: %v", err)
	}
	var req abac.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		fail("Error decoding request: %v", err)
	}
	ctx := context.Background()
	b, engine := mustEngine(ctx, os.Args[2])
	defer b.close()
	defer engine.Close(ctx)

	dec, err := engine.Explain(ctx, req)
	if err != nil {
		fail("Evaluation failed: %v", err)
	}
	out, _ := json.MarshalIndent(dec, "", "  ")
	fmt.Println(string(out))
}

func handleTest() {
	if len(os.Args) < 4 {
		fail("Usage: abacctl test <source> <suite>")
	}
	suite, err := abac.NewConfigLoader().LoadSuiteFile(os.Args[3])
	if err != nil {
		fail("Error loading suite: %v", err)
	}
	ctx := context.Background()
	b, engine := mustEngine(ctx, os.Args[2])
	defer b.close()
	defer engine.Close(ctx)

	res, err := abac.NewTester(engine).Run(ctx, *suite, abac.TestOptions{MaxConcurrency: 4, Timeout: 5 * time.Second})
	if err != nil {
		fail("Suite failed: %v", err)
	}
	for _, r := range res.Results {
		status := "PASS"
		switch {
		case r.Error != "":
			status = "ERROR"
		case !r.Passed:
			status = "FAIL"
		}
		fmt.Printf("%-5s %s (%.2fms)\n", status, r.Name, r.DurationMs)
		for _, m := range r.Mismatches {
			fmt.Printf("      %s\n", m)
		}
		if r.Error != "" {
			fmt.Printf("      %s\n", r.Error)
		}
	}
	fmt.Printf("\n%s: %d passed, %d failed, %d errors (revision %d)\n", res.Suite, res.Passed, res.Failed, res.Errors, res.Revision)
	if res.Failed > 0 || res.Errors > 0 {
		os.Exit(1)
	}
}

func handleAudit() {
	if len(os.Args) < 3 {
		fail("Usage: abacctl audit <sqlite-file> [subject]")
	}
	db, err := openSQLite(os.Args[2])
	if err != nil {
		fail("Error opening database: %v", err)
	}
	defer db.Close()
	store, _ := stores.NewSQLAuditStore(db)
	filter := abac.AuditFilter{Limit: 100}
	if len(os.Args) > 3 {
		filter.SubjectID = os.Args[3]
	}
	recs, err := store.GetAccessLog(context.Background(), filter)
	if err != nil {
		fail("Error reading audit log: %v", err)
	}
	for _, r := range recs {
		outcome := "ERROR " + r.Error
		if r.Decision != nil {
			outcome = fmt.Sprintf("%s %s", r.Decision.Effect, r.Decision.Reason)
		}
		fmt.Printf("%s %s %s %s/%s %s\n", r.Timestamp.Format(time.RFC3339), r.TraceID,
			r.Request.SubjectID, r.Request.ResourceType, r.Request.Action, outcome)
	}
}

func handleWatch() {
	if len(os.Args) < 3 {
		fail("Usage: abacctl watch <store>")
	}
	b, err := openBackend(os.Args[2])
	if err != nil {
		fail("Error opening store: %v", err)
	}
	defer b.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	refresher, err := abac.NewRefresher(ctx, b.repo, abac.WithRefreshInterval(10*time.Second), abac.WithRefresherLogger(cliLogger()))
	if err != nil {
		fail("Error building snapshot: %v", err)
	}
	refresher.Start(ctx)
	if b.bus != nil {
		refresher.Watch(ctx, b.bus)
	}

	var last uint64
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if snap := refresher.Snapshot(); snap.Revision != last {
			last = snap.Revision
			sum := snap.Summary()
			fmt.Printf("revision %d: %d policies (%d broken), %d roles (%d in cycles), %d users, %d assignments\n",
				sum.Revision, sum.Policies, sum.BrokenPolicies, sum.Roles, sum.RoleCycles, sum.Users, sum.Assignments)
		}
		select {
		case <-ctx.Done():
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := refresher.Stop(shutdown); err != nil {
				fail("Error stopping: %v", err)
			}
			return
		case <-ticker.C:
		}
	}
}

// ============================================================================
// BACKENDS
// ============================================================================

type backend struct {
	repo  *abac.Repository
	sink  abac.AuditSink
	bus   *stores.RedisChangeBus
	close func()
}

// cliLogger picks the log backend from ABAC_LOG: json for slog JSON lines on
// stderr, off to discard, anything else for oarkflow/log.
func cliLogger() logger.Logger {
	switch os.Getenv("ABAC_LOG") {
	case "json":
		return logger.NewSLogJSONLogger(os.Stderr, slog.LevelInfo).With("app", "abacctl")
	case "off":
		return logger.NewNullLogger()
	}
	return logger.NewPhusluLogger()
}

// changeBus connects to ABAC_REDIS_ADDR when it is set.
func changeBus() (*stores.RedisChangeBus, func()) {
	addr := os.Getenv("ABAC_REDIS_ADDR")
	if addr == "" {
		return nil, func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return stores.NewRedisChangeBus(client, os.Getenv("ABAC_REDIS_CHANNEL")), func() { client.Close() }
}

func openSQLite(path string) (*squealx.DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db := squealx.NewDb(sqlDB, "sqlite", "abac")
	if err := stores.Migrate(context.Background(), db); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// openBackend opens a store URI (sqlite:<file> or badger:<dir>).
func openBackend(uri string) (*backend, error) {
	scheme, path, ok := strings.Cut(uri, ":")
	if !ok {
		return nil, fmt.Errorf("store must be sqlite:<file> or badger:<dir>, got %q", uri)
	}
	bus, closeBus := changeBus()
	opts := []abac.RepositoryOption{abac.WithRepositoryLogger(cliLogger())}
	if bus != nil {
		opts = append(opts, abac.WithChangeNotifier(bus))
	}
	switch scheme {
	case "sqlite":
		db, err := openSQLite(path)
		if err != nil {
			closeBus()
			return nil, err
		}
		rs, err := stores.NewSQLStore(db)
		if err != nil {
			db.Close()
			closeBus()
			return nil, err
		}
		sink, _ := stores.NewSQLAuditStore(db)
		return &backend{repo: abac.NewRepository(rs, opts...), sink: sink, bus: bus, close: func() { db.Close(); closeBus() }}, nil
	case "badger":
		bs, err := stores.OpenBadgerStore(path)
		if err != nil {
			closeBus()
			return nil, err
		}
		return &backend{repo: abac.NewRepository(bs, opts...), sink: stores.NewMemoryAuditStore(), bus: bus, close: func() { bs.Close(); closeBus() }}, nil
	}
	closeBus()
	return nil, fmt.Errorf("unknown store %q", scheme)
}

// openSource opens a store URI, or loads a config file into an in-memory store.
func openSource(ctx context.Context, source string) (*backend, *abac.EngineConfig, error) {
	if strings.HasPrefix(source, "sqlite:") || strings.HasPrefix(source, "badger:") {
		b, err := openBackend(source)
		return b, nil, err
	}
	cfg, err := abac.NewConfigLoader().LoadFile(source)
	if err != nil {
		return nil, nil, err
	}
	repo := abac.NewRepository(stores.NewMemoryStore(), abac.WithRepositoryLogger(logger.NewNullLogger()))
	if err := abac.ApplyConfig(ctx, repo, cfg); err != nil {
		return nil, nil, err
	}
	return &backend{repo: repo, sink: stores.NewMemoryAuditStore(), close: func() {}}, &cfg.Engine, nil
}

func mustEngine(ctx context.Context, source string) (*backend, *abac.Engine) {
	b, engCfg, err := openSource(ctx, source)
	if err != nil {
		fail("Error loading %s: %v", source, err)
	}
	refresher, err := abac.NewRefresher(ctx, b.repo, abac.WithRefresherLogger(cliLogger()))
	if err != nil {
		b.close()
		fail("Error building snapshot: %v", err)
	}
	opts := []abac.EngineOption{abac.WithAuditSink(b.sink), abac.WithLogger(cliLogger())}
	if engCfg != nil {
		opts = append(opts, engCfg.Options()...)
	}
	engine, err := abac.NewEngine(refresher, opts...)
	if err != nil {
		b.close()
		fail("Error creating engine: %v", err)
	}
	return b, engine
}
