// Command loadtest drives concurrent WebSocket task submissions against
// a running transcribed server and reports latency percentiles, the same
// shape of result the teacher's circuit-breaker load tool produces, but
// measuring real upload/task_complete round-trips instead of synthetic
// circuit-breaker calls.
package main

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Result captures the outcome of one full round trip.
type Result struct {
	Latency time.Duration
	Success bool
	Error   string
}

// Summary is the JSON-serializable report, mirroring the teacher's
// TestResult field set (percentiles, throughput, error breakdown).
type Summary struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	AverageLatencyMS   float64          `json:"average_latency_ms"`
	MinLatencyMS       float64          `json:"min_latency_ms"`
	MaxLatencyMS       float64          `json:"max_latency_ms"`
	P50LatencyMS       float64          `json:"p50_latency_ms"`
	P95LatencyMS       float64          `json:"p95_latency_ms"`
	P99LatencyMS       float64          `json:"p99_latency_ms"`
	ThroughputRPS      float64          `json:"throughput_rps"`
	DurationS          float64          `json:"duration_s"`
	ErrorTypes         map[string]int64 `json:"error_types"`
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	var (
		addr         = flag.String("addr", "ws://127.0.0.1:8080/ws", "WebSocket URL of the transcribed server")
		duration     = flag.Duration("duration", 30*time.Second, "Load test duration")
		concurrency  = flag.Int("concurrency", 10, "Number of concurrent client connections")
		payloadBytes = flag.Int("payload-bytes", 4096, "Size of the synthetic audio payload per upload")
		outputFile   = flag.String("output", "", "Write the JSON summary to this file instead of stdout")
	)
	flag.Parse()

	log.Printf("loadtest: target=%s duration=%v concurrency=%d payload_bytes=%d",
		*addr, *duration, *concurrency, *payloadBytes)

	results := make(chan Result, 4096)
	var wg sync.WaitGroup
	var stop int32

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go worker(i, *addr, *payloadBytes, &stop, results, &wg)
	}

	time.AfterFunc(*duration, func() { atomic.StoreInt32(&stop, 1) })

	go func() {
		wg.Wait()
		close(results)
	}()

	var collected []Result
	for r := range results {
		collected = append(collected, r)
	}
	elapsed := time.Since(start)

	summary := summarize(collected, elapsed)
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		log.Fatalf("loadtest: marshal summary: %v", err)
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, out, 0o644); err != nil {
			log.Fatalf("loadtest: write output: %v", err)
		}
		log.Printf("loadtest: wrote %s", *outputFile)
		return
	}
	fmt.Println(string(out))
}

func worker(id int, addr string, payloadBytes int, stop *int32, results chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for atomic.LoadInt32(stop) == 0 {
		result := attempt(addr, payloadBytes, rng)
		select {
		case results <- result:
		default:
		}
	}
}

func attempt(addr string, payloadBytes int, rng *rand.Rand) Result {
	start := time.Now()

	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return Result{Latency: time.Since(start), Success: false, Error: "dial: " + err.Error()}
	}
	defer conn.Close()

	// connected
	var connEnv envelope
	if err := conn.ReadJSON(&connEnv); err != nil {
		return Result{Latency: time.Since(start), Success: false, Error: "read connected: " + err.Error()}
	}

	data := make([]byte, payloadBytes)
	rng.Read(data)
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	payload := map[string]any{
		"file_name":     fmt.Sprintf("loadtest-%d.wav", rng.Int63()),
		"file_size":     len(data),
		"file_hash":     hash,
		"force_refresh": true,
		"output_format": "json",
		"data":          base64.StdEncoding.EncodeToString(data),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{Latency: time.Since(start), Success: false, Error: "marshal: " + err.Error()}
	}
	if err := conn.WriteJSON(envelope{Type: "upload_data", Data: raw}); err != nil {
		return Result{Latency: time.Since(start), Success: false, Error: "write: " + err.Error()}
	}

	deadline := time.Now().Add(60 * time.Second)
	conn.SetReadDeadline(deadline)
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return Result{Latency: time.Since(start), Success: false, Error: "read: " + err.Error()}
		}
		switch env.Type {
		case "task_complete":
			return Result{Latency: time.Since(start), Success: true}
		case "error":
			return Result{Latency: time.Since(start), Success: false, Error: string(env.Data)}
		case "task_progress":
			var body map[string]any
			if json.Unmarshal(env.Data, &body) == nil {
				if status, _ := body["status"].(string); status == "Failed" {
					return Result{Latency: time.Since(start), Success: false, Error: "task failed"}
				}
			}
		}
	}
}

func summarize(results []Result, elapsed time.Duration) Summary {
	s := Summary{
		TotalRequests: int64(len(results)),
		ErrorTypes:    make(map[string]int64),
		DurationS:     elapsed.Seconds(),
	}
	if len(results) == 0 {
		return s
	}

	latencies := make([]float64, 0, len(results))
	var total float64
	min, max := results[0].Latency.Seconds()*1000, results[0].Latency.Seconds()*1000

	for _, r := range results {
		ms := r.Latency.Seconds() * 1000
		latencies = append(latencies, ms)
		total += ms
		if ms < min {
			min = ms
		}
		if ms > max {
			max = ms
		}
		if r.Success {
			s.SuccessfulRequests++
		} else {
			s.FailedRequests++
			s.ErrorTypes[r.Error]++
		}
	}
	sort.Float64s(latencies)

	s.AverageLatencyMS = total / float64(len(latencies))
	s.MinLatencyMS = min
	s.MaxLatencyMS = max
	s.P50LatencyMS = percentile(latencies, 0.50)
	s.P95LatencyMS = percentile(latencies, 0.95)
	s.P99LatencyMS = percentile(latencies, 0.99)
	if elapsed.Seconds() > 0 {
		s.ThroughputRPS = float64(s.TotalRequests) / elapsed.Seconds()
	}
	return s
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
