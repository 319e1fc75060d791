package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

type Config struct {
	TargetURL       string
	Collections     string
	Start           string
	End             string
	Concurrency     int
	Duration        time.Duration
	ZipfS           float64
	ZipfV           float64
	AOICount        int
	OutputPrefix    string
	RequestTimeout  time.Duration
	AppendTimestamp bool
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090/timeseries", "Analysis server /timeseries URL")
	flag.StringVar(&cfg.Collections, "collections", "no2-monthly", "Comma-separated STAC collections, one layer each")
	flag.StringVar(&cfg.Start, "start", "2023-01-01", "Range start (YYYY-MM-DD)")
	flag.StringVar(&cfg.End, "end", "2023-12-31", "Range end (YYYY-MM-DD)")
	flag.IntVar(&cfg.Concurrency, "concurrency", 4, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.AOICount, "aois", 32, "Distinct areas of interest in pool")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/analysis", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 5*time.Minute, "Per-batch timeout")
	flag.BoolVar(&cfg.AppendTimestamp, "append-ts", true, "Append timestamp to output prefix")
	flag.Parse()
	return cfg
}

// makeAOIs returns a pool of boxes; the first quarter cluster around a few
// cities so a Zipf draw keeps hitting the same upstream calls.
func makeAOIs(count int, r *rand.Rand) []orb.Polygon {
	centers := [][2]float64{
		{-77.0369, 38.9072}, // Washington
		{-118.2437, 34.0522},
		{-87.6298, 41.8781},
		{-95.3698, 29.7604},
	}
	out := make([]orb.Polygon, 0, count)
	hot := max(4, count/4)
	for i := 0; i < hot && len(out) < count; i++ {
		c := centers[i%len(centers)]
		w := 0.5 + r.Float64()*0.5
		out = append(out, box(c[0]+(r.Float64()-0.5), c[1]+(r.Float64()-0.5), w))
	}
	for len(out) < count {
		lon := -124 + r.Float64()*(-67+124)
		lat := 25 + r.Float64()*(49-25)
		out = append(out, box(lon, lat, 0.25+r.Float64()))
	}
	return out
}

func box(lon, lat, w float64) orb.Polygon {
	h := w / 2
	return orb.Polygon{{
		{lon - h, lat - h}, {lon + h, lat - h}, {lon + h, lat + h}, {lon - h, lat + h}, {lon - h, lat - h},
	}}
}

func requestBody(cfg Config, p orb.Polygon) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(p))

	var layers []map[string]string
	for _, c := range strings.Split(cfg.Collections, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		layers = append(layers, map[string]string{"id": c, "stacCol": c})
	}
	return json.Marshal(map[string]any{
		"start":  cfg.Start,
		"end":    cfg.End,
		"aoi":    fc,
		"layers": layers,
	})
}

type sample struct {
	Timestamp  time.Time
	FirstEvent time.Duration
	Latency    time.Duration
	Status     int
	Succeeded  int
	Errored    int
	Done       bool
	ErrorMsg   string
	AOIIndex   int
}

// reads the NDJSON stream and tallies terminal layer states
func consume(s *sample, start time.Time, resp *http.Response) {
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for sc.Scan() {
		if s.FirstEvent == 0 {
			s.FirstEvent = time.Since(start)
		}
		var line struct {
			Type string `json:"type"`
			Data struct {
				Status string `json:"status"`
			} `json:"data"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			s.ErrorMsg = "decode: " + err.Error()
			return
		}
		switch {
		case line.Type == "done":
			s.Done = true
		case line.Data.Status == "succeeded":
			s.Succeeded++
		case line.Data.Status == "errored":
			s.Errored++
		}
	}
	if err := sc.Err(); err != nil {
		s.ErrorMsg = err.Error()
	}
}

type summary struct {
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	DurationSec   float64   `json:"duration_sec"`
	TotalBatches  int64     `json:"total_batches"`
	CompleteCount int64     `json:"complete_batches"`
	ErrorCount    int64     `json:"error_batches"`
	LayersOK      int64     `json:"layers_succeeded"`
	LayersErrored int64     `json:"layers_errored"`
	ThroughputBPS float64   `json:"throughput_bps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	FirstEventP50 float64   `json:"first_event_p50_ms"`
	Concurrency   int       `json:"concurrency"`
	AOIs          int       `json:"aois"`
	TargetURL     string    `json:"target_url"`
	Collections   string    `json:"collections"`
}

func main() {
	cfg := loadConfig()
	cfg.AOICount = max(1, cfg.AOICount)
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	prefix := cfg.OutputPrefix
	if cfg.AppendTimestamp {
		prefix = fmt.Sprintf("%s_%s", prefix, time.Now().UTC().Format("20060102_150405Z"))
	}

	seed := time.Now().UnixNano()
	aois := makeAOIs(cfg.AOICount, rand.New(rand.NewSource(seed)))
	bodies := make([][]byte, len(aois))
	for i, p := range aois {
		b, err := requestBody(cfg, p)
		if err != nil {
			log.Fatalf("encode request body: %v", err)
		}
		bodies[i] = b
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Printf("open csv: %v", err)
		return
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	samples := make(chan sample, 1024)
	results := make(chan summary, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "latency_ms", "first_event_ms", "status", "succeeded", "errored", "done", "error", "aoi_idx"})
		var s summary
		var lat, first []float64
		for smp := range samples {
			s.TotalBatches++
			s.LayersOK += int64(smp.Succeeded)
			s.LayersErrored += int64(smp.Errored)
			if smp.ErrorMsg == "" && smp.Done {
				s.CompleteCount++
				lat = append(lat, ms(smp.Latency))
				first = append(first, ms(smp.FirstEvent))
			} else {
				s.ErrorCount++
			}
			_ = csvWriter.Write([]string{
				smp.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", ms(smp.Latency)),
				fmt.Sprintf("%.3f", ms(smp.FirstEvent)),
				fmt.Sprint(smp.Status),
				fmt.Sprint(smp.Succeeded),
				fmt.Sprint(smp.Errored),
				fmt.Sprint(smp.Done),
				smp.ErrorMsg,
				fmt.Sprint(smp.AOIIndex),
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		sort.Float64s(lat)
		sort.Float64s(first)
		s.P50Ms, s.P95Ms, s.P99Ms = percentile(lat, 50), percentile(lat, 95), percentile(lat, 99)
		s.FirstEventP50 = percentile(first, 50)
		results <- s
	}()

	startTime := time.Now()
	log.Printf("loadgen start target=%s collections=%s dur=%s conc=%d aois=%d",
		cfg.TargetURL, cfg.Collections, cfg.Duration, cfg.Concurrency, cfg.AOICount)

	var wg sync.WaitGroup
	for id := range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(len(bodies)-1))
			for ctx.Err() == nil {
				idx := int(zipf.Uint64())
				smp := run(ctx, httpClient, cfg, bodies[idx])
				smp.AOIIndex = idx
				select {
				case samples <- smp:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
	close(samples)

	s := <-results
	s.StartTime, s.EndTime = startTime.UTC(), time.Now().UTC()
	s.DurationSec = s.EndTime.Sub(s.StartTime).Seconds()
	s.ThroughputBPS = float64(s.TotalBatches) / s.DurationSec
	s.Concurrency, s.AOIs = cfg.Concurrency, cfg.AOICount
	s.TargetURL, s.Collections = cfg.TargetURL, cfg.Collections

	if f, err := os.Create(filepath.Clean(jsonPath)); err == nil {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		_ = enc.Encode(s)
		_ = f.Close()
	}
	log.Printf("done: batches=%d complete=%d err=%d layers ok=%d errored=%d p50=%.1fms p95=%.1fms first-event p50=%.1fms",
		s.TotalBatches, s.CompleteCount, s.ErrorCount, s.LayersOK, s.LayersErrored, s.P50Ms, s.P95Ms, s.FirstEventP50)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

func run(ctx context.Context, c *http.Client, cfg Config, body []byte) sample {
	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	s := sample{Timestamp: start}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TargetURL, bytes.NewReader(body))
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		s.ErrorMsg = err.Error()
		s.Latency = time.Since(start)
		return s
	}
	defer func() { _ = resp.Body.Close() }()

	s.Status = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		s.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
	} else {
		consume(&s, start, resp)
	}
	s.Latency = time.Since(start)
	return s
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000.0 }

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
