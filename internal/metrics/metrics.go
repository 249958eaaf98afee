package metrics

import (
	"math"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-ais-relay/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	FragmentsRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nmea_fragments_received_total",
		Help: "Total sentence fragments delivered by the decoder.",
	})
	SentencesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nmea_sentences_dispatched_total",
		Help: "Total complete sentences handed to the sink dispatcher.",
	})
	ReassemblyOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nmea_reassembly_overflows_total",
		Help: "Multi-fragment sentences discarded because the reassembly buffer was full.",
	})
	SinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_writes_total",
		Help: "Successful sentence writes by sink.",
	}, []string{"sink"})
	TCPReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_reconnects_total",
		Help: "Successful TCP reconnects after a write failure.",
	})
	LevelSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_level_samples_total",
		Help: "Total signal level reports delivered by the decoder.",
	})
	LevelTooHigh = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_level_too_high_total",
		Help: "Signal level reports flagged as too high.",
	})
	LastLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rx_level_percent",
		Help: "Most recent reported receive level in percent.",
	})
	SerialQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "serial_tx_queue_depth",
		Help: "Sentences waiting in the serial writer queue.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Sink label values.
const (
	SinkConsole = "console"
	SinkSerial  = "serial"
	SinkNetwork = "network"
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialOpen     = "serial_open"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrConsoleWrite   = "console_write"
	ErrUDPSend        = "udp_send"
	ErrTCPWrite       = "tcp_write"
	ErrTCPReconnect   = "tcp_reconnect"
	ErrDecoder        = "decoder"
	ErrAcquisition    = "acquisition"
)

// StartHTTP serves /metrics and /ready on addr in a background goroutine.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localFragments  uint64
	localDispatched uint64
	localOverflows  uint64
	localConsoleTx  uint64
	localSerialTx   uint64
	localNetworkTx  uint64
	localReconnects uint64
	localLevels     uint64
	localTooHigh    uint64
	localLastLevel  uint64 // math.Float64bits
	localErrors     uint64
	localSerialQ    int64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Fragments  uint64
	Dispatched uint64
	Overflows  uint64
	ConsoleTx  uint64
	SerialTx   uint64
	NetworkTx  uint64
	Reconnects uint64
	Levels     uint64
	TooHigh    uint64
	LastLevel  float64
	SerialQ    int64 // current serial queue depth
	Errors     uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		Fragments:  atomic.LoadUint64(&localFragments),
		Dispatched: atomic.LoadUint64(&localDispatched),
		Overflows:  atomic.LoadUint64(&localOverflows),
		ConsoleTx:  atomic.LoadUint64(&localConsoleTx),
		SerialTx:   atomic.LoadUint64(&localSerialTx),
		NetworkTx:  atomic.LoadUint64(&localNetworkTx),
		Reconnects: atomic.LoadUint64(&localReconnects),
		Levels:     atomic.LoadUint64(&localLevels),
		TooHigh:    atomic.LoadUint64(&localTooHigh),
		LastLevel:  math.Float64frombits(atomic.LoadUint64(&localLastLevel)),
		SerialQ:    atomic.LoadInt64(&localSerialQ),
		Errors:     atomic.LoadUint64(&localErrors),
	}
}

func IncFragment() {
	FragmentsRx.Inc()
	atomic.AddUint64(&localFragments, 1)
}

func IncDispatched() {
	SentencesDispatched.Inc()
	atomic.AddUint64(&localDispatched, 1)
}

func IncOverflow() {
	ReassemblyOverflows.Inc()
	atomic.AddUint64(&localOverflows, 1)
}

// IncSinkWrite counts one successful write on the named sink.
func IncSinkWrite(sink string) {
	SinkWrites.WithLabelValues(sink).Inc()
	switch sink {
	case SinkConsole:
		atomic.AddUint64(&localConsoleTx, 1)
	case SinkSerial:
		atomic.AddUint64(&localSerialTx, 1)
	case SinkNetwork:
		atomic.AddUint64(&localNetworkTx, 1)
	}
}

func IncReconnect() {
	TCPReconnects.Inc()
	atomic.AddUint64(&localReconnects, 1)
}

// ObserveLevel records one level report.
func ObserveLevel(pct float64, tooHigh bool) {
	LevelSamples.Inc()
	LastLevel.Set(pct)
	atomic.AddUint64(&localLevels, 1)
	atomic.StoreUint64(&localLastLevel, math.Float64bits(pct))
	if tooHigh {
		LevelTooHigh.Inc()
		atomic.AddUint64(&localTooHigh, 1)
	}
}

// SetSerialQueueDepth records the serial writer backlog.
func SetSerialQueueDepth(n int) {
	SerialQueueDepth.Set(float64(n))
	atomic.StoreInt64(&localSerialQ, int64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrSerialOpen, ErrSerialWrite, ErrSerialOverflow, ErrConsoleWrite,
		ErrUDPSend, ErrTCPWrite, ErrTCPReconnect, ErrDecoder, ErrAcquisition,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, s := range []string{SinkConsole, SinkSerial, SinkNetwork} {
		SinkWrites.WithLabelValues(s).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not wired yet; report ready so scrapes don't flap
		return true
	}
	return fn()
}
