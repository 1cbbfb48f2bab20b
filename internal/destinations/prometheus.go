package destinations

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
)

// PrometheusConfig configures the prometheus destination. Each record
// updates one labelled series of a gauge or counter.
type PrometheusConfig struct {
	Name        string   `json:"name" validate:"required"`
	Help        string   `json:"help"`
	Namespace   string   `json:"namespace"`
	Kind        string   `json:"kind" validate:"oneof=gauge counter"`
	ValueField  string   `json:"value_field"`
	LabelFields []string `json:"label_fields"`
}

func (c *PrometheusConfig) setDefaults() {
	if c.Kind == "" {
		c.Kind = "gauge"
	}
	if c.Help == "" {
		c.Help = "Values routed from records"
	}
}

// Prometheus exposes record values as a metric
type Prometheus struct {
	config  PrometheusConfig
	gauge   *prometheus.GaugeVec
	counter *prometheus.CounterVec
	logger  logging.Logger
}

func buildPrometheus(_ context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config PrometheusConfig
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}
	if config.Kind == "gauge" && config.ValueField == "" {
		return nil, fmt.Errorf("gauge destination needs value_field")
	}
	return NewPrometheus(config, deps.Registerer, deps.Logger)
}

// NewPrometheus creates the collector and registers it. A collector already
// registered under the same descriptor is reused.
func NewPrometheus(config PrometheusConfig, registerer prometheus.Registerer, logger logging.Logger) (*Prometheus, error) {
	config.setDefaults()
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	p := &Prometheus{config: config, logger: logging.OrGlobal(logger)}
	labels := make([]string, len(config.LabelFields))
	for i, field := range config.LabelFields {
		labels[i] = labelName(field)
	}

	var collector prometheus.Collector
	switch config.Kind {
	case "counter":
		p.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      config.Name,
			Help:      config.Help,
		}, labels)
		collector = p.counter
	default:
		p.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      config.Name,
			Help:      config.Help,
		}, labels)
		collector = p.gauge
	}

	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !stderrors.As(err, &already) {
			return nil, fmt.Errorf("failed to register metric %s: %w", config.Name, err)
		}
		counter, isCounter := already.ExistingCollector.(*prometheus.CounterVec)
		gauge, isGauge := already.ExistingCollector.(*prometheus.GaugeVec)
		switch {
		case config.Kind == "counter" && isCounter:
			p.counter = counter
		case config.Kind == "gauge" && isGauge:
			p.gauge = gauge
		default:
			return nil, fmt.Errorf("metric %s is already registered as another type", config.Name)
		}
	}
	return p, nil
}

// Collector returns the underlying vector
func (p *Prometheus) Collector() prometheus.Collector {
	if p.counter != nil {
		return p.counter
	}
	return p.gauge
}

// Deliver updates one series per record. Values are checked for the whole
// batch before any series changes.
func (p *Prometheus) Deliver(ctx context.Context, records []record.Record) (int, error) {
	values := make([]float64, len(records))
	for i, r := range records {
		v, err := p.value(r)
		if err != nil {
			return 0, delivery.Permanent(fmt.Errorf("record %d: %w", i, err))
		}
		values[i] = v
	}

	for i, r := range records {
		labels := make([]string, len(p.config.LabelFields))
		for j, field := range p.config.LabelFields {
			labels[j] = stringField(r, field)
		}
		if p.counter != nil {
			p.counter.WithLabelValues(labels...).Add(values[i])
		} else {
			p.gauge.WithLabelValues(labels...).Set(values[i])
		}
	}

	p.logger.WithContext(ctx).Debug("Updated metric",
		logging.String("metric", p.config.Name),
		logging.Int("records", len(records)),
	)
	return len(records), nil
}

func (p *Prometheus) value(r record.Record) (float64, error) {
	if p.config.ValueField == "" {
		return 1, nil
	}
	raw, ok := r.Get(p.config.ValueField)
	if !ok {
		return 0, fmt.Errorf("missing value field %s", p.config.ValueField)
	}
	v, ok := record.ToFloat(raw)
	if !ok {
		return 0, fmt.Errorf("value field %s is %s, not a number", p.config.ValueField, record.TypeName(raw))
	}
	if p.counter != nil && v < 0 {
		return 0, fmt.Errorf("counter %s cannot decrease by %v", p.config.Name, v)
	}
	return v, nil
}

// labelName turns a record path into a valid label name
func labelName(field string) string {
	out := []byte(field)
	for i, c := range out {
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
		if !isAlpha && !(i > 0 && c >= '0' && c <= '9') {
			out[i] = '_'
		}
	}
	return string(out)
}
