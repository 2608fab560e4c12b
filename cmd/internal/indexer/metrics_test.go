package indexer

import (
	"testing"
	"time"

	v1 "convindex/shared/contracts/events/v1"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetrics_RecordsDispatchAndDrops(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	e := NewEngine(testProject, WithMetrics(m))
	msg := messageEvent("m1", "T", "a", "", 1)
	e.ProcessBatch([]v1.Event{
		msg,
		msg,
		metadataEvent("md", "T", "x", 2),
		{ID: "k", Kind: 42},
	})

	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	if got := counterValue(fams, "convindex_events_total", "category", categoryMessage); got != 2 {
		t.Fatalf("message events=%v want=2", got)
	}
	if got := counterValue(fams, "convindex_messages_duplicate_total", "", ""); got != 1 {
		t.Fatalf("duplicates=%v want=1", got)
	}
	if got := counterValue(fams, "convindex_events_dropped_total", "reason", dropNoThread); got != 1 {
		t.Fatalf("thread_not_found drops=%v want=1", got)
	}
	if got := counterValue(fams, "convindex_events_dropped_total", "reason", dropUnknownKind); got != 1 {
		t.Fatalf("unknown_kind drops=%v want=1", got)
	}
	if got := gaugeValue(fams, "convindex_orphaned_messages", "project", testProject); got != 1 {
		t.Fatalf("orphaned gauge=%v want=1", got)
	}
}

func TestMetrics_BatchDurationExcludesLockWait(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	e := NewEngine(testProject, WithMetrics(m))

	const held = 300 * time.Millisecond
	e.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.ProcessBatch([]v1.Event{rootEvent("T", "t", 1)})
	}()
	time.Sleep(held)
	e.mu.Unlock()
	<-done

	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	h := findMetric(fams, "convindex_batch_duration_seconds", "", "").GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Fatalf("batch samples=%d want=1", h.GetSampleCount())
	}
	if h.GetSampleSum() >= held.Seconds() {
		t.Fatalf("batch duration %.3fs includes the %.3fs lock wait", h.GetSampleSum(), held.Seconds())
	}
}

func TestNewMetrics_DuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("first NewMetrics: %v", err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.event(categoryRoot)
	m.dropped(dropMissingID)
	m.duplicate()
	m.observeBatch(0.1, EmptyState(testProject))
}

func findMetric(fams []*dto.MetricFamily, name, label, value string) *dto.Metric {
	for _, f := range fams {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if label == "" {
				return m
			}
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m
				}
			}
		}
	}
	return nil
}

func counterValue(fams []*dto.MetricFamily, name, label, value string) float64 {
	m := findMetric(fams, name, label, value)
	if m == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(fams []*dto.MetricFamily, name, label, value string) float64 {
	m := findMetric(fams, name, label, value)
	if m == nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
