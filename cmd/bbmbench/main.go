package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/tigrisdata/batchmigrate/log"
	"github.com/tigrisdata/batchmigrate/registry/bbm"
	"github.com/tigrisdata/batchmigrate/registry/datastore"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
)

const (
	defaultJobs        = "1000,10000"
	defaultConcurrency = "1,4,16"
	defaultIterations  = 3
	defaultOutput      = "text"
	benchWork          = "noop"
)

// BenchmarkResult holds the results of a single benchmark run
type BenchmarkResult struct {
	Jobs       int64         `json:"jobs"`
	Duration   time.Duration `json:"duration_ns"`
	Throughput float64       `json:"throughput_jobs_per_s"`
}

// CaseResults holds aggregated results for a job count and concurrency
type CaseResults struct {
	Jobs             int64   `json:"jobs"`
	Concurrency      int     `json:"concurrency"`
	Iterations       int     `json:"iterations"`
	MeanThroughput   float64 `json:"mean_throughput_jobs_per_s"`
	StdDevThroughput float64 `json:"std_dev_jobs_per_s"`
	MinThroughput    float64 `json:"min_throughput_jobs_per_s"`
	MaxThroughput    float64 `json:"max_throughput_jobs_per_s"`
	Durations        []int64 `json:"durations_ms"`
}

// BenchmarkOutput is the full output structure for JSON
type BenchmarkOutput struct {
	Timestamp string        `json:"timestamp"`
	PlanAhead int           `json:"plan_ahead"`
	Results   []CaseResults `json:"results"`
}

func main() {
	jobs := flag.String("jobs", defaultJobs, "Comma-separated job counts per migration (e.g., 1000,10000)")
	concurrency := flag.String("concurrency", defaultConcurrency, "Comma-separated pool concurrencies to test")
	iterations := flag.Int("iterations", defaultIterations, "Number of iterations per case")
	planAhead := flag.Int("plan-ahead", 0, "Pending jobs kept enqueued (defaults to twice the concurrency)")
	output := flag.String("output", defaultOutput, "Output format: text or json")
	flag.Parse()

	if err := run(os.Stdout, os.Stderr, *jobs, *concurrency, *iterations, *planAhead, *output); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(stdout, stderr io.Writer, jobs, concurrency string, iterations, planAhead int, output string) error {
	jobList, err := parseList(jobs)
	if err != nil {
		return fmt.Errorf("parsing job counts: %w", err)
	}
	concurrencyList, err := parseList(concurrency)
	if err != nil {
		return fmt.Errorf("parsing concurrencies: %w", err)
	}
	if output != "text" && output != "json" {
		return fmt.Errorf("invalid output format: %s (must be 'text' or 'json')", output)
	}
	if iterations < 1 {
		return errors.New("iterations must be at least 1")
	}

	logger, err := log.Configure("warn", "text", stderr, nil)
	if err != nil {
		return err
	}

	ctx := context.Background()
	benchmarkOutput := BenchmarkOutput{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		PlanAhead: planAhead,
	}

	fmt.Fprintf(stderr, "Batched Migration Engine Benchmark\n")
	fmt.Fprintf(stderr, "==================================\n")
	fmt.Fprintf(stderr, "Jobs: %v\n", jobList)
	fmt.Fprintf(stderr, "Concurrency: %v\n", concurrencyList)
	fmt.Fprintf(stderr, "Iterations: %d\n\n", iterations)

	for _, n := range jobList {
		for _, c := range concurrencyList {
			fmt.Fprintf(stderr, "Running %d jobs with concurrency %d...\n", n, c)

			results := make([]BenchmarkResult, 0, iterations)
			for i := 0; i < iterations; i++ {
				result, err := benchmarkRun(ctx, logger, n, int(c), planAhead)
				if err != nil {
					fmt.Fprintf(stderr, "  Iteration %d failed: %v\n", i+1, err)
					continue
				}
				results = append(results, result)
				fmt.Fprintf(stderr, "  Run %d: %.0f jobs/s (%.2fs)\n", i+1, result.Throughput, result.Duration.Seconds())
			}

			if len(results) > 0 {
				benchmarkOutput.Results = append(benchmarkOutput.Results, aggregateResults(n, int(c), results))
			}
		}
	}
	fmt.Fprintf(stderr, "\n")

	if output == "json" {
		return outputJSON(stdout, benchmarkOutput)
	}
	return outputText(stdout, benchmarkOutput)
}

// parseList parses a comma-separated list of positive integers like "1000,10000"
func parseList(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	values := make([]int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value '%s': %w", part, err)
		}
		if n < 1 {
			return nil, fmt.Errorf("invalid value '%s': must be positive", part)
		}
		values = append(values, n)
	}
	return values, nil
}

// benchmarkRun runs a migration of jobs single key batches to completion against an in-memory store.
func benchmarkRun(ctx context.Context, logger log.Logger, jobs int64, concurrency, planAhead int) (BenchmarkResult, error) {
	work, err := bbm.RegisterWork(bbm.AllWork())
	if err != nil {
		return BenchmarkResult{}, err
	}
	if planAhead == 0 {
		planAhead = concurrency * 2
	}

	store := datastore.NewInMemoryBackgroundMigrationStore()
	controller := bbm.NewController(store,
		bbm.WithWork(work),
		bbm.WithPlanAhead(planAhead),
		bbm.WithControllerLogger(logger),
	)
	pool := bbm.NewPool(store, controller, bbm.NewExecutor(nil, bbm.WithExecutorLogger(logger)),
		bbm.WithConcurrency(concurrency),
		bbm.WithPollInterval(time.Millisecond, 10*time.Millisecond),
		bbm.WithPoolLogger(logger),
	)

	m, err := controller.Create(ctx, benchWork, models.Range{Min: 0, Max: jobs}, 1)
	if err != nil {
		return BenchmarkResult{}, fmt.Errorf("creating migration: %w", err)
	}
	if _, err := controller.Start(ctx, m.ID); err != nil {
		return BenchmarkResult{}, fmt.Errorf("starting migration: %w", err)
	}

	start := time.Now()
	if err := pool.Run(ctx, m.ID); err != nil {
		return BenchmarkResult{}, fmt.Errorf("running migration: %w", err)
	}
	duration := time.Since(start)

	m, err = controller.Get(ctx, m.ID)
	if err != nil {
		return BenchmarkResult{}, err
	}
	if m.Status != models.BackgroundMigrationSucceeded {
		return BenchmarkResult{}, fmt.Errorf("migration finished %s", m.Status)
	}

	return BenchmarkResult{
		Jobs:       jobs,
		Duration:   duration,
		Throughput: float64(jobs) / duration.Seconds(),
	}, nil
}

// aggregateResults calculates statistics from multiple benchmark results
func aggregateResults(jobs int64, concurrency int, results []BenchmarkResult) CaseResults {
	throughputs := make([]float64, len(results))
	durations := make([]int64, len(results))

	var sum float64
	minT := math.MaxFloat64
	maxT := 0.0

	for i, r := range results {
		throughputs[i] = r.Throughput
		durations[i] = r.Duration.Milliseconds()
		sum += r.Throughput
		minT = min(minT, r.Throughput)
		maxT = max(maxT, r.Throughput)
	}

	mean := sum / float64(len(results))

	var variance float64
	for _, t := range throughputs {
		variance += (t - mean) * (t - mean)
	}
	variance /= float64(len(results))

	return CaseResults{
		Jobs:             jobs,
		Concurrency:      concurrency,
		Iterations:       len(results),
		MeanThroughput:   mean,
		StdDevThroughput: math.Sqrt(variance),
		MinThroughput:    minT,
		MaxThroughput:    maxT,
		Durations:        durations,
	}
}

func outputJSON(w io.Writer, output BenchmarkOutput) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

func outputText(w io.Writer, output BenchmarkOutput) error {
	fmt.Fprintln(w, "Batched Migration Engine Benchmark Results")
	fmt.Fprintf(w, "Timestamp: %s\n\n", output.Timestamp)

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Jobs", "Concurrency", "Iterations", "Throughput", "Std Dev"})
	for _, r := range output.Results {
		row := []string{
			strconv.FormatInt(r.Jobs, 10),
			strconv.Itoa(r.Concurrency),
			strconv.Itoa(r.Iterations),
			fmt.Sprintf("%.0f jobs/s", r.MeanThroughput),
			fmt.Sprintf("%.0f jobs/s", r.StdDevThroughput),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}
