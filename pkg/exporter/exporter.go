// Package exporter polls an Envoy gateway and exposes its readings as
// Prometheus metrics in the OpenMetrics text format.
package exporter

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/envoymon/envoymon/pkg/envoy"
	"github.com/envoymon/envoymon/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"
)

// Gateway is the subset of the envoy client the exporter polls.
type Gateway interface {
	ProductionWatts(ctx context.Context) (float64, error)
	InverterProductionWatts(ctx context.Context) ([]envoy.InverterProduction, error)
	LifetimeWattHours(ctx context.Context) (float64, error)
}

// Exporter owns the metric registry and refreshes it from a Gateway on
// every scrape.
type Exporter struct {
	gw       Gateway
	registry *prometheus.Registry

	production     prometheus.Gauge
	inverters      *prometheus.GaugeVec
	lifetime       *lifetimeCounter
	scrapeDuration prometheus.Gauge
	scrapeErrors   prometheus.Counter
}

// New returns an Exporter polling gw.
func New(gw Gateway) *Exporter {
	e := &Exporter{
		gw:       gw,
		registry: prometheus.NewRegistry(),
		production: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enphase_envoy_production_watts",
			Help: "Currently produced watts",
		}),
		inverters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "enphase_envoy_inverter_production_watts",
			Help: "Last known production for inverters",
		}, []string{"serial_num"}),
		lifetime: newLifetimeCounter(),
		scrapeDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enphase_envoy_scrape_duration_seconds",
			Help: "Duration of the last gateway poll",
		}),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enphase_envoy_scrape_errors_total",
			Help: "Number of gateway polls that failed",
		}),
	}
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		e.production,
		e.inverters,
		e.lifetime,
		e.scrapeDuration,
		e.scrapeErrors,
	)
	return e
}

// Refresh polls the gateway and writes the readings into the metric
// instruments. The three fetches run concurrently and any failure aborts
// the whole poll without touching the production instruments.
func (e *Exporter) Refresh(ctx context.Context) error {
	start := time.Now()
	defer func() {
		e.scrapeDuration.Set(time.Since(start).Seconds())
	}()

	var (
		watts     float64
		inverters []envoy.InverterProduction
		lifetime  float64
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		watts, err = e.gw.ProductionWatts(ctx)
		return err
	})
	eg.Go(func() error {
		var err error
		inverters, err = e.gw.InverterProductionWatts(ctx)
		return err
	})
	eg.Go(func() error {
		var err error
		lifetime, err = e.gw.LifetimeWattHours(ctx)
		return err
	})
	if err := eg.Wait(); err != nil {
		e.scrapeErrors.Inc()
		return err
	}

	e.production.Set(watts)
	// serials missing from this report keep their last value, we never
	// remove them
	for _, inv := range inverters {
		e.inverters.WithLabelValues(inv.SerialNumber).Set(inv.LastReportWatts)
	}
	e.lifetime.Set(lifetime)
	return nil
}

// Handler returns the scrape handler. Every request polls the gateway and,
// if that succeeds, responds with the registry contents.
func (e *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := e.Refresh(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to poll gateway", slog.Any("error", err))
			http.Error(w, "failed to poll gateway", http.StatusInternalServerError)
			return
		}

		mfs, err := e.registry.Gather()
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to gather metrics", slog.Any("error", err))
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}

		format := expfmt.NewFormat(expfmt.TypeOpenMetrics)
		w.Header().Set("Content-Type", string(format))
		enc := expfmt.NewEncoder(w, format)
		for _, mf := range mfs {
			if err := enc.Encode(mf); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to encode metrics", slog.Any("error", err))
				return
			}
		}
		// the OpenMetrics format ends with an EOF marker
		if closer, ok := enc.(expfmt.Closer); ok {
			closer.Close()
		}
	})
}

// lifetimeCounter is a counter whose value is set outright instead of
// incremented. The gateway already reports a cumulative total, so we store
// the float bits atomically and emit a const metric on collect.
type lifetimeCounter struct {
	desc *prometheus.Desc
	bits atomic.Uint64
}

func newLifetimeCounter() *lifetimeCounter {
	return &lifetimeCounter{
		desc: prometheus.NewDesc(
			"enphase_envoy_lifetime_watt_hours",
			"Total amount of watt hours produced by the system",
			nil, nil,
		),
	}
}

func (c *lifetimeCounter) Set(v float64) {
	c.bits.Store(math.Float64bits(v))
}

// Describe implements the prometheus.Collector interface.
func (c *lifetimeCounter) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements the prometheus.Collector interface.
func (c *lifetimeCounter) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, math.Float64frombits(c.bits.Load()))
}
