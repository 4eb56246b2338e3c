// Command flowtest runs declarative API test suites.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/flowtestlabs/flowtest/internal/assertengine"
	"github.com/flowtestlabs/flowtest/internal/call"
	"github.com/flowtestlabs/flowtest/internal/capture"
	"github.com/flowtestlabs/flowtest/internal/config"
	"github.com/flowtestlabs/flowtest/internal/discovery"
	"github.com/flowtestlabs/flowtest/internal/hooks"
	"github.com/flowtestlabs/flowtest/internal/httpclient"
	"github.com/flowtestlabs/flowtest/internal/importer"
	"github.com/flowtestlabs/flowtest/internal/interp"
	"github.com/flowtestlabs/flowtest/internal/logbus"
	"github.com/flowtestlabs/flowtest/internal/model"
	"github.com/flowtestlabs/flowtest/internal/orchestrator"
	"github.com/flowtestlabs/flowtest/internal/report"
	"github.com/flowtestlabs/flowtest/internal/scope"
	"github.com/flowtestlabs/flowtest/internal/step"
	"github.com/flowtestlabs/flowtest/internal/suiteexec"
	"github.com/flowtestlabs/flowtest/internal/telemetry"
)

// Exit codes: 0 success, 1 assertion/step failure,
// 2 config/discovery error, 3 cancelled/timeout, 4 internal error.
const (
	exitSuccess = 0
	exitFailed  = 1
	exitConfig  = 2
	exitTimeout = 3
	exitInternal = 4
)

var (
	cfgFile     string
	nodeIDs     []string
	priorities  []string
	schemaPath  string
	importKind  string
	importOut   string
	streamPort  int
	verbose     bool
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "flowtest",
		Short: "Declarative API test suite runner",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default flow-test.config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	exitCode := exitSuccess
	runCmd := &cobra.Command{
		Use:   "run [roots...]",
		Short: "Discover and execute test suites",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runSuites(args)
			exitCode = code
			return err
		},
	}
	runCmd.Flags().StringSliceVar(&nodeIDs, "node-id", nil, "restrict the run to these node_ids")
	runCmd.Flags().StringSliceVar(&priorities, "priority", nil, "restrict the run to these priorities")
	runCmd.Flags().StringVar(&schemaPath, "schema", "", "JSON schema file to validate suites against")
	runCmd.Flags().IntVar(&streamPort, "stream-port", -1, "serve the SSE telemetry endpoint on this port during the run (0 = OS-assigned, -1 = disabled)")

	validateCmd := &cobra.Command{
		Use:   "validate [roots...]",
		Short: "Discover and validate suites without running them",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := validateSuites(args)
			exitCode = code
			return err
		},
	}
	validateCmd.Flags().StringVar(&schemaPath, "schema", "", "JSON schema file to validate suites against")

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Generate suite YAML from a Postman collection or OpenAPI document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runImport(args[0])
			exitCode = code
			return err
		},
	}
	importCmd.Flags().StringVar(&importKind, "kind", "", "source kind: postman or openapi (default: inferred from extension)")
	importCmd.Flags().StringVar(&importOut, "out", "", "output directory for generated suite files (default: cwd)")

	root.AddCommand(runCmd, validateCmd, importCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if exitCode == exitSuccess {
			exitCode = exitInternal
		}
	}
	return exitCode
}

func loadConfigAndSuites(roots []string) (config.Config, []model.Suite, *gojsonschema.Schema, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, nil, nil, err
	}
	if len(roots) > 0 {
		cfg.Roots = roots
	}

	var schema *gojsonschema.Schema
	if schemaPath != "" {
		schema, err = gojsonschema.NewSchema(gojsonschema.NewReferenceLoader("file://" + schemaPath))
		if err != nil {
			return cfg, nil, nil, err
		}
	}

	files, err := discovery.Find(cfg.Roots)
	if err != nil {
		return cfg, nil, nil, err
	}
	suites, err := discovery.Load(files, schema)
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, suites, schema, nil
}

func validateSuites(roots []string) (int, error) {
	_, suites, _, err := loadConfigAndSuites(roots)
	if err != nil {
		return exitConfig, err
	}
	if _, err := discovery.Order(suites); err != nil {
		return exitConfig, err
	}
	fmt.Printf("%d suite(s) valid\n", len(suites))
	return exitSuccess, nil
}

func runImport(path string) (int, error) {
	kind := importKind
	if kind == "" {
		lower := strings.ToLower(path)
		switch {
		case strings.HasSuffix(lower, ".json") && strings.Contains(lower, "postman"):
			kind = "postman"
		case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
			kind = "openapi"
		default:
			kind = "openapi"
		}
	}

	outDir := importOut
	if outDir == "" {
		outDir = "."
	}

	var suites []model.Suite
	var err error
	switch kind {
	case "postman":
		suites, err = importer.FromPostman(path)
	case "openapi":
		suites, err = importer.FromOpenAPI(path)
	default:
		return exitConfig, fmt.Errorf("unknown import kind %q", kind)
	}
	if err != nil {
		return exitConfig, err
	}

	if err := importer.WriteSuites(outDir, suites); err != nil {
		return exitInternal, err
	}
	fmt.Printf("wrote %d suite file(s) to %s\n", len(suites), outDir)
	return exitSuccess, nil
}

func newLogger() *zap.Logger {
	var logger *zap.Logger
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func runSuites(roots []string) (int, error) {
	cfg, suites, _, err := loadConfigAndSuites(roots)
	if err != nil {
		return exitConfig, err
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	globals := scope.NewGlobals()
	bus := logbus.New()
	svc := interp.New()
	captureEngine := capture.New(svc)
	registry := call.NewRegistry()
	for _, s := range suites {
		registry.Add(s)
	}

	var callService *call.Service
	callFunc := func(ctx context.Context, spec *model.CallSpec, sc *scope.Scope, depth int) (map[string]model.Value, error) {
		return callService.Call(ctx, "run", spec, sc, depth)
	}

	hookRunner := hooks.New(svc, captureEngine, bus, callFunc)
	stepExec := step.New(httpclient.New(), assertengine.New(), captureEngine, svc, hookRunner, bus, nil, callFunc)
	suiteExec := suiteexec.New(stepExec, svc, captureEngine, bus)
	callService = call.New(registry, stepExec, suiteExec, svc, globals, scope.Env(envSnapshot()))

	orch := orchestrator.New(suiteExec, globals, bus, logger)

	if streamPort >= 0 {
		port, stopTelemetry, err := telemetry.Start(bus, logger, streamPort)
		if err != nil {
			return exitInternal, err
		}
		defer stopTelemetry()
		fmt.Printf("telemetry: http://127.0.0.1:%d/api/stream\n", port)
	}

	filters := orchestrator.Filters{NodeIDs: nodeIDs}
	for _, p := range priorities {
		filters.Priorities = append(filters.Priorities, model.Priority(p))
	}

	runCfg := orchestrator.Config{
		Roots: cfg.Roots, Filters: filters, Workers: cfg.Workers,
		ContinueOnFailure: cfg.ContinueOnFailure, Timeout: cfg.RunTimeout(),
		Env: scope.Env(envSnapshot()), ProjectName: "flowtest",
	}

	result, err := orch.Run(context.Background(), "run", runCfg, suites)
	if err != nil {
		return exitConfig, err
	}

	if path, werr := report.Write(cfg.Reporting.OutputDir, result, envSnapshot()); werr != nil {
		logger.Error("failed to write report", zap.Error(werr))
	} else {
		fmt.Printf("report: %s\n", path)
	}

	fmt.Printf("%d/%d steps passed (%.1f%%)\n", result.SuccessfulTests, result.TotalTests, result.SuccessRate)

	switch {
	case ctxTimedOut(result):
		return exitTimeout, nil
	case result.FailedTests > 0:
		return exitFailed, nil
	default:
		return exitSuccess, nil
	}
}

func ctxTimedOut(result model.RunResult) bool {
	for _, sr := range result.SuitesResults {
		if sr.Status == model.StatusCancelled {
			return true
		}
	}
	return false
}

func envSnapshot() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			out[kv[:idx]] = kv[idx+1:]
		}
	}
	return out
}
