// Package cli provides the embeddable command-line front end for
// binaries that register autoflow flows.
//
// Go binaries cannot import a flow from a source path at run time the
// way a scripting runtime can, so flows register themselves at init
// (NewFlow does this) and the binary hands its arguments to Main:
//
//	func main() { os.Exit(cli.Main(os.Args[1:])) }
//
// Subcommands: run <flow>, describe <flow>, list. Exit codes: 0 success,
// 1 task or flow failure, 2 usage error.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/flexinfer/autoflow"
	"github.com/flexinfer/autoflow/internal/config"
	"github.com/flexinfer/autoflow/metrics"
	"github.com/flexinfer/autoflow/pkg/types"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Main runs the CLI and returns the process exit code. In a worker
// subprocess it runs the task worker protocol instead.
func Main(argv []string) int {
	if autoflow.IsWorkerProcess() {
		if err := autoflow.RunWorker(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return ExitFailure
		}
		return ExitOK
	}

	if len(argv) == 0 {
		usage(os.Stderr)
		return ExitUsage
	}

	switch argv[0] {
	case "run":
		return runCmd(argv[1:])
	case "describe":
		return describeCmd(argv[1:])
	case "list":
		return listCmd()
	case "-h", "--help", "help":
		usage(os.Stdout)
		return ExitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", argv[0])
		usage(os.Stderr)
		return ExitUsage
	}
}

func usage(w *os.File) {
	fmt.Fprint(w, `usage: autoflow <command> [options]

commands:
  run <flow>       execute a registered flow
  describe <flow>  print the flow DAG as adjacency JSON
  list             list registered flows

run options:
  --failure-policy {fail_fast,continue,aggregate}
  --max-concurrency <positive int>
  --params <json object>
  --structured-logs
  --metrics-addr <host:port>
`)
}

func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	policy := fs.String("failure-policy", "fail_fast", "fail_fast, continue or aggregate")
	maxConc := fs.Int("max-concurrency", 0, "bound on concurrently running tasks (0 = unbounded)")
	paramsJSON := fs.String("params", "", "JSON object of run parameters")
	structuredLogs := fs.Bool("structured-logs", false, "log every task dispatch")
	metricsAddr := fs.String("metrics-addr", config.Load().MetricsAddr, "expose prometheus metrics on this address")

	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "run: exactly one flow name required")
		return ExitUsage
	}

	flowName := fs.Arg(0)
	flow, ok := autoflow.LookupFlow(flowName)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown flow %q (registered: %v)\n", flowName, autoflow.FlowNames())
		return ExitUsage
	}

	fp, ok := types.ParseFailurePolicy(*policy)
	if !ok {
		fmt.Fprintf(os.Stderr, "invalid --failure-policy %q\n", *policy)
		return ExitUsage
	}
	if *maxConc < 0 {
		fmt.Fprintln(os.Stderr, "--max-concurrency must be a positive integer")
		return ExitUsage
	}

	var params map[string]any
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --params: %v\n", err)
			return ExitUsage
		}
	}

	logger := autoflow.SetupLogging()
	if *structuredLogs {
		autoflow.Use(autoflow.LoggingMiddleware(logger))
	}
	if *metricsAddr != "" {
		autoflow.SetMetricsProvider(metrics.NewPrometheus(nil))
		go func() {
			if err := metrics.Serve(*metricsAddr); err != nil {
				slog.Error("metrics endpoint stopped", "error", err)
			}
		}()
	}

	result, err := flow.Run(context.Background(), autoflow.RunOptions{
		Params:         params,
		FailurePolicy:  fp,
		MaxConcurrency: *maxConc,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "flow %q failed: %v\n", flowName, err)
		return ExitFailure
	}

	out, jerr := json.MarshalIndent(result, "", "  ")
	if jerr != nil {
		fmt.Printf("%v\n", result)
	} else {
		fmt.Println(string(out))
	}
	return ExitOK
}

func describeCmd(args []string) int {
	fs := flag.NewFlagSet("describe", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	paramsJSON := fs.String("params", "", "JSON object of run parameters")
	dot := fs.Bool("dot", false, "emit DOT instead of adjacency JSON")

	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "describe: exactly one flow name required")
		return ExitUsage
	}

	flow, ok := autoflow.LookupFlow(fs.Arg(0))
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown flow %q (registered: %v)\n", fs.Arg(0), autoflow.FlowNames())
		return ExitUsage
	}

	var params map[string]any
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --params: %v\n", err)
			return ExitUsage
		}
	}

	if *dot {
		out, err := flow.ExportDOT(params)
		if err != nil {
			fmt.Fprintf(os.Stderr, "describe failed: %v\n", err)
			return ExitFailure
		}
		fmt.Print(out)
		return ExitOK
	}

	graph, err := flow.Describe(params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "describe failed: %v\n", err)
		return ExitFailure
	}
	out, _ := json.MarshalIndent(graph, "", "  ")
	fmt.Println(string(out))
	return ExitOK
}

func listCmd() int {
	for _, name := range autoflow.FlowNames() {
		fmt.Println(name)
	}
	return ExitOK
}
