package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type jobKey struct {
	job string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu           sync.Mutex
	requests     map[requestKey]uint64
	latency      map[string]*histogram
	jobRuns      map[jobKey]uint64
	jobProcessed map[jobKey]uint64
	jobFailed    map[jobKey]uint64
	jobDuration  map[jobKey]*histogram
}

var defaultCollector = &collector{
	requests:     make(map[requestKey]uint64),
	latency:      make(map[string]*histogram),
	jobRuns:      make(map[jobKey]uint64),
	jobProcessed: make(map[jobKey]uint64),
	jobFailed:    make(map[jobKey]uint64),
	jobDuration:  make(map[jobKey]*histogram),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeHTTP(handler, method, status, duration)
}

// ObserveJobRun records the outcome of one oracle job invocation.
func ObserveJobRun(job string, processed, failed int, duration time.Duration) {
	defaultCollector.observeJob(job, processed, failed, duration)
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++

	latKey := handler + " " + method
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram(httpBuckets)
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeJob(job string, processed, failed int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := jobKey{job: job}
	c.jobRuns[key]++
	c.jobProcessed[key] += uint64(processed)
	c.jobFailed[key] += uint64(failed)

	hist := c.jobDuration[key]
	if hist == nil {
		hist = newHistogram(jobBuckets)
		c.jobDuration[key] = hist
	}
	hist.observe(duration.Seconds())
}

var (
	httpBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	jobBuckets  = []float64{1, 5, 15, 30, 60, 120, 300, 600}
)

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// Values above the last bound only land in the +Inf bucket via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	type requestMetric struct {
		requestKey
		value uint64
	}
	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})

	builder.WriteString("# HELP escrow_oracle_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE escrow_oracle_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("escrow_oracle_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	writeJobCounter(&builder, "escrow_oracle_job_runs_total", "Total number of oracle job invocations.", c.jobRuns)
	writeJobCounter(&builder, "escrow_oracle_job_items_processed_total", "Total number of escrow items examined by oracle jobs.", c.jobProcessed)
	writeJobCounter(&builder, "escrow_oracle_job_items_failed_total", "Total number of escrow items that failed inside oracle jobs.", c.jobFailed)

	jobs := make([]jobKey, 0, len(c.jobDuration))
	for key := range c.jobDuration {
		jobs = append(jobs, key)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].job < jobs[j].job })

	builder.WriteString("# HELP escrow_oracle_job_duration_seconds Oracle job run duration in seconds.\n")
	builder.WriteString("# TYPE escrow_oracle_job_duration_seconds histogram\n")
	for _, key := range jobs {
		hist := c.jobDuration[key]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("escrow_oracle_job_duration_seconds_bucket{job=\"%s\",le=\"%s\"} %d\n",
				escape(key.job), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("escrow_oracle_job_duration_seconds_bucket{job=\"%s\",le=\"+Inf\"} %d\n",
			escape(key.job), hist.count))
		builder.WriteString(fmt.Sprintf("escrow_oracle_job_duration_seconds_sum{job=\"%s\"} %s\n",
			escape(key.job), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("escrow_oracle_job_duration_seconds_count{job=\"%s\"} %d\n",
			escape(key.job), hist.count))
	}

	return builder.String()
}

func writeJobCounter(builder *strings.Builder, name, help string, values map[jobKey]uint64) {
	keys := make([]jobKey, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].job < keys[j].job })

	builder.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	builder.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
	for _, key := range keys {
		builder.WriteString(fmt.Sprintf("%s{job=\"%s\"} %d\n", name, escape(key.job), values[key]))
	}
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
