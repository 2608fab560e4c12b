package indexer

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the indexer collectors. A nil *Metrics records nothing.
//
// One Metrics value is shared by every engine of a process; per-project gauges are labeled.
type Metrics struct {
	events     *prometheus.CounterVec
	drops      *prometheus.CounterVec
	duplicates prometheus.Counter
	batch      prometheus.Histogram
	threads    *prometheus.GaugeVec
	orphans    *prometheus.GaugeVec
}

// NewMetrics constructs the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convindex",
			Name:      "events_total",
			Help:      "Protocol events dispatched, by category.",
		}, []string{"category"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convindex",
			Name:      "events_dropped_total",
			Help:      "Protocol events ignored, by reason.",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convindex",
			Name:      "messages_duplicate_total",
			Help:      "Message events skipped because their id was already indexed.",
		}),
		batch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "convindex",
			Name:      "batch_duration_seconds",
			Help:      "Time spent applying one batch and building its snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "convindex",
			Name:      "threads",
			Help:      "Threads with a processed root event, per project.",
		}, []string{"project"}),
		orphans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "convindex",
			Name:      "orphaned_messages",
			Help:      "Messages whose thread root has not been seen, per project.",
		}, []string{"project"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.events, m.drops, m.duplicates, m.batch, m.threads, m.orphans} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) event(category string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(category).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) observeBatch(seconds float64, st ConversationStoreState) {
	if m == nil {
		return
	}
	m.batch.Observe(seconds)
	m.observeState(st)
}

func (m *Metrics) observeState(st ConversationStoreState) {
	if m == nil {
		return
	}
	orphaned := 0
	for _, n := range st.OrphanedMessagesByThread {
		orphaned += n
	}
	m.threads.WithLabelValues(st.ProjectCoordinate).Set(float64(len(st.ThreadSummaries)))
	m.orphans.WithLabelValues(st.ProjectCoordinate).Set(float64(orphaned))
}
