// Benchmark tool for load testing a running nexus server.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080 -requests 200 -workers 10
//
// This tool:
//  1. Generates synthetic ledgers with the sample generator (one seed per request)
//  2. Posts each ledger to POST /analyze as CSV
//  3. Compares the server's per-state crossings with an in-process run of the
//     same ledger against the embedded rules
//  4. Reports agreement, latency percentiles and throughput
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markmiedema/nexus-analyzer/internal/analysis"
	"github.com/markmiedema/nexus-analyzer/internal/domain"
	"github.com/markmiedema/nexus-analyzer/internal/ledger"
	"github.com/markmiedema/nexus-analyzer/internal/registry"
	"github.com/markmiedema/nexus-analyzer/internal/sample"
)

// job is one ledger to analyze.
type job struct {
	seed     uint64
	body     []byte
	expected map[string]bool // state -> crossed, from the local run
}

// analyzeResponse is the subset of the API response the benchmark reads.
type analyzeResponse struct {
	Results []struct {
		StateCode string `json:"stateCode"`
		Crossed   bool   `json:"crossed"`
	} `json:"results"`
}

// Metrics tracks benchmark results
type Metrics struct {
	// Per-state agreement between server and local runs
	BothCrossed    int64
	ServerOnly     int64
	LocalOnly      int64
	NeitherCrossed int64

	TotalProcessed int64
	TotalErrors    int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) observe(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func main() {
	// Parse flags
	baseURL := flag.String("url", "http://localhost:8080", "nexus base URL")
	clientID := flag.String("client", "benchmark", "Client ID for requests")
	requests := flag.Int("requests", 100, "Number of ledgers to analyze")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	months := flag.Int("months", 24, "Months of sales per ledger")
	states := flag.String("states", "", "Comma-separated states (default: sample generator states)")
	seed := flag.Uint64("seed", 1, "First generator seed")
	breach := flag.Float64("breach", 0.5, "Share of ledgers with forced breaches (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each ledger result")
	flag.Parse()

	fmt.Println("NEXUS BENCHMARK")
	fmt.Printf("\nnexus URL:  %s\n", *baseURL)
	fmt.Printf("Client ID:  %s\n", *clientID)
	fmt.Printf("Requests:   %d\n", *requests)
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Printf("Months:     %d\n", *months)
	fmt.Printf("Breach:     %.2f\n", *breach)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: nexus not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure nexus is running:")
		fmt.Println("  go run ./cmd/nexus serve")
		os.Exit(1)
	}
	fmt.Println("✓ nexus is healthy")

	var stateList []string
	if *states != "" {
		for _, s := range strings.Split(*states, ",") {
			code, err := ledger.ParseState(s)
			if err != nil {
				fmt.Printf("ERROR: %v\n", err)
				os.Exit(1)
			}
			stateList = append(stateList, code)
		}
	}

	fmt.Printf("\nGenerating %d ledgers...\n", *requests)
	jobs, rows, err := buildJobs(*requests, *months, stateList, *seed, *breach)
	if err != nil {
		fmt.Printf("ERROR: failed to generate ledgers: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Generated %d ledgers (%d rows)\n", len(jobs), rows)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(jobs, *baseURL, *clientID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
	if metrics.ServerOnly+metrics.LocalOnly > 0 || metrics.TotalErrors > 0 {
		os.Exit(2)
	}
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// buildJobs generates the ledgers and their expected crossings. Every
// 1/breach-th ledger gets forced breaches.
func buildJobs(n, months int, states []string, firstSeed uint64, breach float64) ([]job, int, error) {
	rules, err := registry.Default()
	if err != nil {
		return nil, 0, err
	}
	svc := analysis.NewService(rules, domain.DefaultConfig().Analysis)

	start := domain.Date(2022, time.January, 1)
	end := start.AddDate(0, months, -1)

	jobs := make([]job, 0, n)
	totalRows := 0
	forced := 0.0
	for i := 0; i < n; i++ {
		opts := sample.Options{
			Start:  start,
			End:    end,
			States: states,
			Seed:   firstSeed + uint64(i),
		}
		if forced += breach; forced >= 1 {
			forced--
			opts.ForceBreach = true
		}

		gen, err := sample.Generate(opts)
		if err != nil {
			return nil, 0, err
		}
		totalRows += len(gen)

		var buf bytes.Buffer
		if err := sample.WriteCSV(&buf, gen); err != nil {
			return nil, 0, err
		}

		records, err := ledger.ReadCSV(bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, 0, err
		}
		local, err := svc.Run(context.Background(), "local", records, analysis.Options{})
		if err != nil {
			return nil, 0, err
		}

		expected := make(map[string]bool, len(local.Results))
		for _, r := range local.Results {
			expected[r.StateCode] = r.Crossed
		}
		jobs = append(jobs, job{seed: opts.Seed, body: buf.Bytes(), expected: expected})
	}
	return jobs, totalRows, nil
}

func runBenchmark(jobs []job, baseURL, clientID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan job, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 60 * time.Second}

			for j := range work {
				start := time.Now()
				result, err := analyzeLedger(client, baseURL, clientID, j.body)
				metrics.observe(time.Since(start))
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: seed %d -> %v\n", j.seed, err)
					}
					continue
				}

				mismatches := 0
				got := make(map[string]bool, len(result.Results))
				for _, r := range result.Results {
					got[r.StateCode] = r.Crossed
				}
				for state, want := range j.expected {
					switch server := got[state]; {
					case server && want:
						atomic.AddInt64(&metrics.BothCrossed, 1)
					case server && !want:
						atomic.AddInt64(&metrics.ServerOnly, 1)
						mismatches++
					case !server && want:
						atomic.AddInt64(&metrics.LocalOnly, 1)
						mismatches++
					default:
						atomic.AddInt64(&metrics.NeitherCrossed, 1)
					}
				}

				if verbose {
					status := "✓"
					if mismatches > 0 {
						status = "✗"
					}
					fmt.Printf("%s seed %-6d | states: %2d | mismatches: %d | %v\n",
						status, j.seed, len(j.expected), mismatches, time.Since(start).Round(time.Millisecond))
				}
			}
		}()
	}

	// Send work
	for _, j := range jobs {
		work <- j
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func analyzeLedger(client *http.Client, baseURL, clientID string, body []byte) (*analyzeResponse, error) {
	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "text/csv")
	httpReq.Header.Set("X-Client-ID", clientID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

// percentile returns the p-th percentile of sorted durations.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(p * float64(len(sorted)-1))
	return sorted[i]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Ledgers Processed: %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:            %d\n", m.TotalErrors)

	fmt.Printf("\nAGREEMENT (server vs local, per state)\n")
	fmt.Println("                        Local")
	fmt.Println("                 crossed     not crossed")
	fmt.Printf("   Server  yes  %9d   %9d\n", m.BothCrossed, m.ServerOnly)
	fmt.Printf("           no   %9d   %9d\n", m.LocalOnly, m.NeitherCrossed)

	total := m.BothCrossed + m.ServerOnly + m.LocalOnly + m.NeitherCrossed
	if total > 0 {
		agree := float64(m.BothCrossed+m.NeitherCrossed) / float64(total)
		fmt.Printf("   Agreement:   %.4f\n", agree)
		fmt.Printf("   Crossed:     %.2f%% of state results\n", 100*float64(m.BothCrossed+m.LocalOnly)/float64(total))
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))

	lat := append([]time.Duration(nil), m.latencies...)
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	if len(lat) > 0 {
		fmt.Printf("   p50 Latency:      %v\n", percentile(lat, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:      %v\n", percentile(lat, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(lat, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f ledgers/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}

	fmt.Println()
}
