package metrics

import "github.com/prometheus/client_golang/prometheus"

// Reserve outcomes.
const (
	OutcomeOK                = "ok"
	OutcomeInsufficientStock = "insufficient_stock"
	OutcomeNotFound          = "not_found"
	OutcomeError             = "error"
)

// Release reasons.
const (
	ReleaseExplicit  = "explicit"
	ReleaseExpired   = "expired"
	ReleaseCancelled = "cancelled"
	ReleasePaid      = "paid"
	ReleasePurged    = "reconcile_purge"
)

// ReservationMetrics tracks the reservation engine and its background passes.
type ReservationMetrics struct {
	reserves    *prometheus.CounterVec
	released    *prometheus.CounterVec
	sweepItems  *prometheus.CounterVec
	corrections prometheus.Counter
	driftUnits  prometheus.Histogram
	anomalies   *prometheus.CounterVec
}

// NewReservationMetrics registers the reservation metrics on reg. A nil
// registerer yields a no-op recorder.
func NewReservationMetrics(reg prometheus.Registerer) *ReservationMetrics {
	if reg == nil {
		return &ReservationMetrics{}
	}
	m := &ReservationMetrics{
		reserves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reserve_requests_total",
			Help:      "Reserve and adjust calls by outcome.",
		}, []string{"outcome"}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "released_units_total",
			Help:      "Units returned to availability by reason.",
		}, []string{"reason"}),
		sweepItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Expired reservations processed by the sweeper.",
		}, []string{"kind", "result"}),
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_corrections_total",
			Help:      "Ledger rows overwritten by the reconciler.",
		}),
		driftUnits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_drift_units",
			Help:      "Absolute reserved_qty drift found per corrected ledger row.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_anomalies_total",
			Help:      "Integrity anomalies reported by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.reserves, m.released, m.sweepItems, m.corrections, m.driftUnits, m.anomalies)
	return m
}

func (m *ReservationMetrics) ObserveReserve(outcome string) {
	if m == nil || m.reserves == nil {
		return
	}
	m.reserves.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *ReservationMetrics) AddReleased(reason string, units int) {
	if m == nil || m.released == nil || units <= 0 {
		return
	}
	m.released.WithLabelValues(normalizeLabel(reason)).Add(float64(units))
}

func (m *ReservationMetrics) ObserveSweepItem(kind, result string) {
	if m == nil || m.sweepItems == nil {
		return
	}
	m.sweepItems.WithLabelValues(normalizeLabel(kind), normalizeLabel(result)).Inc()
}

// ObserveCorrection records one ledger overwrite from -> to.
func (m *ReservationMetrics) ObserveCorrection(from, to int) {
	if m == nil || m.corrections == nil {
		return
	}
	m.corrections.Inc()
	drift := from - to
	if drift < 0 {
		drift = -drift
	}
	m.driftUnits.Observe(float64(drift))
}

func (m *ReservationMetrics) IncAnomaly(kind string) {
	if m == nil || m.anomalies == nil {
		return
	}
	m.anomalies.WithLabelValues(normalizeLabel(kind)).Inc()
}
