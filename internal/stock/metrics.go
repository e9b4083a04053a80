package stock

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for stock operations. A nil *Metrics
// records nothing.
type Metrics struct {
	movements  *prometheus.CounterVec
	units      *prometheus.CounterVec
	rejections *prometheus.CounterVec
	repairs    *prometheus.CounterVec
}

// NewMetrics registers the stock collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentalpos_stock_movements_total",
		Help: "Stock movements committed, by direction and reference type.",
	}, []string{"movement_type", "reference_type"})
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentalpos_stock_movement_units_total",
		Help: "Units moved by committed stock movements, by direction and product type.",
	}, []string{"movement_type", "product_type"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentalpos_stock_rejections_total",
		Help: "Stock operations rejected before any write, by reason.",
	}, []string{"reason"})
	repairs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentalpos_stock_repairs_total",
		Help: "Counter repairs by outcome.",
	}, []string{"status"})
	registerer.MustRegister(movements, units, rejections, repairs)
	return &Metrics{movements: movements, units: units, rejections: rejections, repairs: repairs}
}

func (m *Metrics) movement(mv Movement) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(string(mv.Type), string(mv.Cause)).Inc()
	m.units.WithLabelValues(string(mv.Type), string(mv.Product.Type())).Add(float64(mv.Quantity))
}

func (m *Metrics) rejected(err error) {
	if m == nil || err == nil {
		return
	}
	reason := "validation"
	if errors.Is(err, ErrInsufficientStock) {
		reason = "insufficient_stock"
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) repaired(ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	m.repairs.WithLabelValues(status).Inc()
}
