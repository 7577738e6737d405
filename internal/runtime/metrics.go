package runtime

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/blockflow/internal/indexer/processor"
)

const (
	metricsNamespace = "blockflow"
	metricsSubsystem = "ender"
)

// Metrics tracks block pipeline statistics and exposes them to Prometheus.
type Metrics struct {
	mu sync.RWMutex

	blocksProcessed uint64
	blocksFailed    uint64
	alreadyParsed   uint64
	latestHeight    uint64

	receivedMessages prometheus.Counter
	blockProcessing  *prometheus.HistogramVec
	processingHeight prometheus.Gauge
	alreadyParsedCtr prometheus.Counter
	handlersTotal    *prometheus.CounterVec
	published        *prometheus.CounterVec
	parseErrors      *prometheus.CounterVec
	permanentErrors  *prometheus.CounterVec
	timeInQueue      prometheus.Histogram

	registerer prometheus.Registerer
	registered bool
}

// MetricsSnapshot provides a point-in-time view of the pipeline counters.
type MetricsSnapshot struct {
	BlocksProcessed uint64    `json:"blocks_processed"`
	BlocksFailed    uint64    `json:"blocks_failed"`
	AlreadyParsed   uint64    `json:"already_parsed"`
	LatestHeight    uint64    `json:"latest_height"`
	CollectedAt     time.Time `json:"collected_at"`
}

func newEnderCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	})
}

func newEnderCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the pipeline collectors. Nothing is registered until
// Register is called.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:       registerer,
		receivedMessages: newEnderCounter("received_messages_total", "Number of block messages received from the bus"),
		blockProcessing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "block_processing_seconds",
			Help:      "Time spent processing one block, from decode to commit and publish",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"success"}),
		processingHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "processing_block_height",
			Help:      "Height of the block currently being processed",
		}),
		alreadyParsedCtr: newEnderCounter("block_already_parsed_total", "Number of redelivered blocks acknowledged without reprocessing"),
		handlersTotal:    newEnderCounterVec("handlers_total", "Number of event handlers run", []string{"subtype"}),
		published:        newEnderCounterVec("notifications_published_total", "Number of websocket notifications published", []string{"channel"}),
		parseErrors:      newEnderCounterVec("parse_errors_total", "Number of events that failed to decode or validate", []string{"subtype"}),
		permanentErrors:  newEnderCounterVec("permanent_errors_total", "Number of block deliveries that failed with an error redelivery cannot fix", []string{"kind"}),
		timeInQueue: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "message_time_in_queue_seconds",
			Help:      "Time between a block message being produced and received",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.receivedMessages,
		m.blockProcessing,
		m.processingHeight,
		m.alreadyParsedCtr,
		m.handlersTotal,
		m.published,
		m.parseErrors,
		m.permanentErrors,
		m.timeInQueue,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordReceived counts an inbound block message. queued is the time since
// the producer stamped it; zero skips the histogram.
func (m *Metrics) RecordReceived(queued time.Duration) {
	m.receivedMessages.Inc()
	if queued > 0 {
		m.timeInQueue.Observe(queued.Seconds())
	}
}

// RecordPermanentError counts a block delivery that failed permanently.
func (m *Metrics) RecordPermanentError(kind string) {
	m.permanentErrors.WithLabelValues(kind).Inc()
}

// OnPublished implements notify.PublishObserver.
func (m *Metrics) OnPublished(channel string, notifications int) {
	m.published.WithLabelValues(channel).Add(float64(notifications))
}

// BlockHooks returns processor hooks feeding these metrics.
func (m *Metrics) BlockHooks() processor.BlockHooks {
	return processor.BlockHooks{
		OnStateChange: func(height uint64, _, to processor.State) {
			if to == processor.StateValidating {
				m.processingHeight.Set(float64(height))
			}
		},
		OnAlreadyParsed: func(uint64) {
			m.mu.Lock()
			m.alreadyParsed++
			m.mu.Unlock()
			m.alreadyParsedCtr.Inc()
		},
		OnHandler: func(subtype string, _ time.Duration, _ error) {
			m.handlersTotal.WithLabelValues(subtype).Inc()
		},
		OnParseError: func(subtype string) {
			m.parseErrors.WithLabelValues(subtype).Inc()
		},
		OnBlockDone: func(height uint64, took time.Duration, err error) {
			m.mu.Lock()
			if err != nil {
				m.blocksFailed++
			} else {
				m.blocksProcessed++
				if height > m.latestHeight {
					m.latestHeight = height
				}
			}
			m.mu.Unlock()
			m.blockProcessing.WithLabelValues(strconv.FormatBool(err == nil)).Observe(took.Seconds())
		},
	}
}

// Snapshot returns a point-in-time copy of the pipeline counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		BlocksProcessed: m.blocksProcessed,
		BlocksFailed:    m.blocksFailed,
		AlreadyParsed:   m.alreadyParsed,
		LatestHeight:    m.latestHeight,
		CollectedAt:     time.Now(),
	}
}
