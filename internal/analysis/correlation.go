// internal/analysis/correlation.go
package analysis

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogEntry is one correlated record from an executor or tool invocation
type LogEntry struct {
	CorrelationID string        `json:"correlationId"`
	TaskID        string        `json:"taskId,omitempty"`
	Operation     string        `json:"operation,omitempty"`
	Level         string        `json:"level"` // info, warn, error
	Message       string        `json:"message"`
	Duration      time.Duration `json:"duration,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// ErrorCluster groups errors sharing a normalized message signature
type ErrorCluster struct {
	Signature string    `json:"signature"`
	Count     int       `json:"count"`
	Samples   []string  `json:"samples"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Trend describes a performance drift for one operation
type Trend struct {
	Operation string        `json:"operation"`
	Direction string        `json:"direction"` // degrading, improving, stable
	ChangePct float64       `json:"changePct"`
	Samples   int           `json:"samples"`
	MeanFirst time.Duration `json:"meanFirst"`
	MeanLast  time.Duration `json:"meanLast"`
}

// maxClusterSamples bounds how many raw messages a cluster retains
const maxClusterSamples = 5

// trendThresholdPct is the drift needed before a trend is reported
const trendThresholdPct = 20.0

// Correlator collects executor/tool log entries and answers clustering,
// causal-chain, and trend queries over them.
type Correlator struct {
	mu         sync.RWMutex
	entries    []LogEntry
	maxEntries int
}

// NewCorrelator creates a correlator retaining up to maxEntries records
func NewCorrelator(maxEntries int) *Correlator {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Correlator{maxEntries: maxEntries}
}

// AddEntry records one log entry, evicting the oldest past capacity
func (c *Correlator) AddEntry(entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	c.mu.Lock()
	c.entries = append(c.entries, entry)
	if len(c.entries) > c.maxEntries {
		c.entries = c.entries[len(c.entries)-c.maxEntries:]
	}
	c.mu.Unlock()
}

var (
	hexPattern    = regexp.MustCompile(`\b[0-9a-f]{7,}\b`)
	numberPattern = regexp.MustCompile(`\d+`)
	quotedPattern = regexp.MustCompile(`"[^"]*"|'[^']*'`)
)

// Signature normalizes a message so differently-parameterized instances
// of the same failure cluster together
func Signature(message string) string {
	s := strings.ToLower(strings.TrimSpace(message))
	s = quotedPattern.ReplaceAllString(s, `"_"`)
	s = hexPattern.ReplaceAllString(s, "#")
	s = numberPattern.ReplaceAllString(s, "#")
	return s
}

// ClusterErrors groups error-level entries by signature, largest first
func (c *Correlator) ClusterErrors() []ErrorCluster {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bySignature := make(map[string]*ErrorCluster)
	for _, entry := range c.entries {
		if entry.Level != "error" {
			continue
		}
		sig := Signature(entry.Message)
		cluster, ok := bySignature[sig]
		if !ok {
			cluster = &ErrorCluster{Signature: sig, FirstSeen: entry.Timestamp}
			bySignature[sig] = cluster
		}
		cluster.Count++
		cluster.LastSeen = entry.Timestamp
		if len(cluster.Samples) < maxClusterSamples {
			cluster.Samples = append(cluster.Samples, entry.Message)
		}
	}

	clusters := make([]ErrorCluster, 0, len(bySignature))
	for _, cluster := range bySignature {
		clusters = append(clusters, *cluster)
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Count != clusters[j].Count {
			return clusters[i].Count > clusters[j].Count
		}
		return clusters[i].Signature < clusters[j].Signature
	})
	return clusters
}

// CausalChain returns every entry sharing a correlation id, ordered by
// time, reconstructing the path that led to a failure
func (c *Correlator) CausalChain(correlationID string) []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var chain []LogEntry
	for _, entry := range c.entries {
		if entry.CorrelationID == correlationID {
			chain = append(chain, entry)
		}
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Timestamp.Before(chain[j].Timestamp) })
	return chain
}

// DetectTrends compares the first and second half of each operation's
// duration samples and reports drifts beyond the threshold
func (c *Correlator) DetectTrends() []Trend {
	c.mu.RLock()
	byOp := make(map[string][]time.Duration)
	for _, entry := range c.entries {
		if entry.Operation == "" || entry.Duration <= 0 {
			continue
		}
		byOp[entry.Operation] = append(byOp[entry.Operation], entry.Duration)
	}
	c.mu.RUnlock()

	var trends []Trend
	for op, samples := range byOp {
		if len(samples) < 4 {
			continue // not enough signal
		}
		half := len(samples) / 2
		first := mean(samples[:half])
		last := mean(samples[half:])
		if first <= 0 {
			continue
		}
		changePct := (float64(last) - float64(first)) / float64(first) * 100

		trend := Trend{
			Operation: op,
			ChangePct: changePct,
			Samples:   len(samples),
			MeanFirst: first,
			MeanLast:  last,
			Direction: "stable",
		}
		switch {
		case changePct >= trendThresholdPct:
			trend.Direction = "degrading"
		case changePct <= -trendThresholdPct:
			trend.Direction = "improving"
		}
		trends = append(trends, trend)
	}
	sort.Slice(trends, func(i, j int) bool { return trends[i].Operation < trends[j].Operation })
	return trends
}

func mean(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}
