package analysis

import (
	"testing"
	"time"
)

func TestSignature_Normalization(t *testing.T) {
	a := Signature(`connection to "db-17" failed after 300ms`)
	b := Signature(`connection to "db-92" failed after 1250ms`)
	if a != b {
		t.Errorf("signatures differ:\n%s\n%s", a, b)
	}

	c := Signature("reset HEAD to abc1234def")
	d := Signature("reset HEAD to 99fe210aa")
	if c != d {
		t.Errorf("hex ids should normalize:\n%s\n%s", c, d)
	}
}

func TestClusterErrors(t *testing.T) {
	c := NewCorrelator(0)
	for i := 0; i < 3; i++ {
		c.AddEntry(LogEntry{Level: "error", Message: "timeout after 100ms", CorrelationID: "x"})
	}
	c.AddEntry(LogEntry{Level: "error", Message: "disk full", CorrelationID: "y"})
	c.AddEntry(LogEntry{Level: "info", Message: "timeout after 5ms"}) // not an error

	clusters := c.ClusterErrors()
	if len(clusters) != 2 {
		t.Fatalf("clusters = %+v, want 2", clusters)
	}
	if clusters[0].Count != 3 {
		t.Errorf("largest cluster count = %d, want 3", clusters[0].Count)
	}
	if len(clusters[0].Samples) != 3 {
		t.Errorf("samples = %v", clusters[0].Samples)
	}
}

func TestCausalChain_OrderedByTime(t *testing.T) {
	c := NewCorrelator(0)
	base := time.Now()

	c.AddEntry(LogEntry{CorrelationID: "run-1", Message: "third", Timestamp: base.Add(2 * time.Second)})
	c.AddEntry(LogEntry{CorrelationID: "run-1", Message: "first", Timestamp: base})
	c.AddEntry(LogEntry{CorrelationID: "run-2", Message: "other run", Timestamp: base})
	c.AddEntry(LogEntry{CorrelationID: "run-1", Message: "second", Timestamp: base.Add(time.Second)})

	chain := c.CausalChain("run-1")
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	want := []string{"first", "second", "third"}
	for i, msg := range want {
		if chain[i].Message != msg {
			t.Errorf("chain[%d] = %q, want %q", i, chain[i].Message, msg)
		}
	}
}

func TestDetectTrends(t *testing.T) {
	c := NewCorrelator(0)

	// Degrading: second half twice as slow
	for _, d := range []time.Duration{100, 100, 200, 200} {
		c.AddEntry(LogEntry{Operation: "lint", Duration: d * time.Millisecond})
	}
	// Stable
	for _, d := range []time.Duration{100, 101, 99, 100} {
		c.AddEntry(LogEntry{Operation: "test", Duration: d * time.Millisecond})
	}
	// Too few samples
	c.AddEntry(LogEntry{Operation: "rare", Duration: time.Second})

	trends := c.DetectTrends()
	if len(trends) != 2 {
		t.Fatalf("trends = %+v, want 2 operations", trends)
	}

	byOp := make(map[string]Trend)
	for _, trend := range trends {
		byOp[trend.Operation] = trend
	}
	if byOp["lint"].Direction != "degrading" {
		t.Errorf("lint trend = %+v", byOp["lint"])
	}
	if byOp["test"].Direction != "stable" {
		t.Errorf("test trend = %+v", byOp["test"])
	}
}

func TestCorrelator_Capacity(t *testing.T) {
	c := NewCorrelator(3)
	for i := 0; i < 5; i++ {
		c.AddEntry(LogEntry{CorrelationID: "x", Level: "error", Message: "boom"})
	}
	if clusters := c.ClusterErrors(); clusters[0].Count != 3 {
		t.Errorf("capacity not enforced: %+v", clusters)
	}
}
