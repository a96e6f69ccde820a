package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"carrytree/pkg/concurrency/lock"
	"carrytree/pkg/concurrency/worker"
	"carrytree/pkg/config"
	"carrytree/pkg/engine"
	"carrytree/pkg/logging"
	"carrytree/pkg/primitives"

	"github.com/dustin/go-humanize"
)

// BenchmarkResult captures latency statistics for one operation kind.
type BenchmarkResult struct {
	Operation     string        `json:"operation"`
	Iterations    int           `json:"iterations"`
	Workers       int           `json:"workers"`
	TotalDuration time.Duration `json:"total_duration_ns"`
	AvgDuration   time.Duration `json:"avg_duration_ns"`
	MinDuration   time.Duration `json:"min_duration_ns"`
	MaxDuration   time.Duration `json:"max_duration_ns"`
	P50Duration   time.Duration `json:"p50_duration_ns"`
	P95Duration   time.Duration `json:"p95_duration_ns"`
	P99Duration   time.Duration `json:"p99_duration_ns"`
	OpsPerSecond  float64       `json:"ops_per_second"`
	ErrorCount    int           `json:"error_count"`
	ErrorSamples  []string      `json:"error_samples"`
	TreeHeight    int           `json:"tree_height"`
	TreeNodes     int           `json:"tree_nodes"`
}

// BenchmarkReport aggregates the results of one suite run.
type BenchmarkReport struct {
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time"`
	TotalDuration time.Duration     `json:"total_duration"`
	NodeSize      int               `json:"node_size"`
	Results       []BenchmarkResult `json:"results"`
}

// main runs every operation sequentially and then from concurrent workers on
// a fresh tree per run, and writes a JSON report.
//
// Environment variables:
//   - BENCHMARK_OUTPUT: directory for the report (default: ./benchmark-results)
//   - BENCHMARK_ITERATIONS: operations per run (default: 20000)
//   - BENCHMARK_WORKERS: workers of the concurrent runs (default: 8)
//   - BENCHMARK_NODE_SIZE: node size in bytes (default: 4096)
func main() {
	outputDir := filepath.Clean(os.Getenv("BENCHMARK_OUTPUT"))
	if outputDir == "." {
		outputDir = "./benchmark-results"
	}
	iterations := envInt("BENCHMARK_ITERATIONS", 20_000)
	workers := envInt("BENCHMARK_WORKERS", 8)

	cfg := config.Default()
	cfg.NodeSize = envInt("BENCHMARK_NODE_SIZE", cfg.NodeSize)
	cfg.Log.Level = logging.LevelWarn
	if err := logging.Init(cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logging.Close()
	log := logging.WithComponent("benchmark")

	_ = os.MkdirAll(outputDir, 0o750)

	report := BenchmarkReport{StartTime: time.Now(), NodeSize: cfg.NodeSize}
	for _, kind := range []engine.Kind{engine.KindInsert, engine.KindPaste, engine.KindRelocate, engine.KindDelete} {
		for _, w := range []int{1, workers} {
			fmt.Println(strings.Repeat("=", 80))
			fmt.Printf("%s, %d worker(s), %s iterations\n", kind, w, humanize.Comma(int64(iterations)))
			result, err := runBenchmark(cfg, kind, iterations, w)
			if err != nil {
				log.Error("benchmark setup failed", "operation", kind, "error", err)
				os.Exit(1)
			}
			report.Results = append(report.Results, result)
			printBenchmarkResult(result)
		}
	}
	report.EndTime = time.Now()
	report.TotalDuration = report.EndTime.Sub(report.StartTime)

	jsonFile := filepath.Join(outputDir, fmt.Sprintf("benchmark_report_%s.json", time.Now().Format("20060102_150405")))
	if err := saveJSONReport(report, jsonFile); err != nil {
		log.Error("saving report failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("report saved to %s (%s total)\n", jsonFile, formatDuration(report.TotalDuration))
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		_, _ = fmt.Sscanf(v, "%d", &def)
	}
	return def
}

func benchKey(i int) primitives.Key {
	return primitives.NewKey(uint64(i)*2654435761%(1<<32), 0)
}

// runBenchmark measures kind on a fresh tree. Operations other than insert
// run against a tree preloaded with every key they touch.
func runBenchmark(cfg config.Config, kind engine.Kind, iterations, workers int) (BenchmarkResult, error) {
	e, err := engine.Open(cfg)
	if err != nil {
		return BenchmarkResult{}, err
	}
	if kind != engine.KindInsert {
		s := e.Session(nil)
		for i := 0; i < iterations; i++ {
			if err := s.Insert(benchKey(i), benchBody(i)); err != nil {
				return BenchmarkResult{}, err
			}
		}
	}

	durations := make([]time.Duration, iterations)
	var (
		mu       sync.Mutex
		errCount int
		samples  []string
		next     atomic.Int64
	)

	pool := worker.New(workers, e.Locks())
	defer pool.Stop()
	group := pool.NewGroup()

	start := time.Now()
	for w := 0; w < workers; w++ {
		group.Go(func(st *lock.Stack) error {
			s := e.Session(st)
			for {
				i := int(next.Add(1) - 1)
				if i >= iterations {
					return nil
				}
				m := engine.Mutation{Kind: kind, Key: benchKey(i), Body: benchBody(i)}
				if kind == engine.KindPaste {
					m.Body = []byte{byte(i)}
				}
				opStart := time.Now()
				err := s.Do(m)
				durations[i] = time.Since(opStart)
				if err != nil {
					mu.Lock()
					errCount++
					if len(samples) < 5 {
						samples = append(samples, err.Error())
					}
					mu.Unlock()
				}
			}
		})
	}
	_ = group.Wait()
	total := time.Since(start)

	if err := e.Check(); err != nil {
		errCount++
		samples = append(samples, err.Error())
	}

	slices.Sort(durations)
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	st := e.Stats()
	return BenchmarkResult{
		Operation:     kind.String(),
		Iterations:    iterations,
		Workers:       workers,
		TotalDuration: total,
		AvgDuration:   sum / time.Duration(iterations),
		MinDuration:   durations[0],
		MaxDuration:   durations[iterations-1],
		P50Duration:   durations[iterations/2],
		P95Duration:   durations[int(float64(iterations)*0.95)],
		P99Duration:   durations[int(float64(iterations)*0.99)],
		OpsPerSecond:  float64(iterations) / total.Seconds(),
		ErrorCount:    errCount,
		ErrorSamples:  samples,
		TreeHeight:    int(st.Height),
		TreeNodes:     st.Nodes,
	}, nil
}

func benchBody(i int) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, uint64(i))
	return b
}

// formatDuration formats a duration with units suited to its size.
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	case d >= time.Microsecond:
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	default:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
}

func printBenchmarkResult(r BenchmarkResult) {
	fmt.Printf("  Total Time:   %s\n", formatDuration(r.TotalDuration))
	fmt.Printf("  Avg per Op:   %s\n", formatDuration(r.AvgDuration))
	fmt.Printf("  Min / Max:    %s / %s\n", formatDuration(r.MinDuration), formatDuration(r.MaxDuration))
	fmt.Printf("  P50/P95/P99:  %s / %s / %s\n", formatDuration(r.P50Duration), formatDuration(r.P95Duration), formatDuration(r.P99Duration))
	fmt.Printf("  Throughput:   %s ops/sec\n", humanize.Comma(int64(r.OpsPerSecond)))
	fmt.Printf("  Tree:         height %d, %s nodes\n", r.TreeHeight, humanize.Comma(int64(r.TreeNodes)))
	if r.ErrorCount > 0 {
		fmt.Printf("  Errors:       %d, first: %s\n", r.ErrorCount, r.ErrorSamples[0])
	}
}

func saveJSONReport(report BenchmarkReport, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
