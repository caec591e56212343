package telemetry

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Provider wraps the meter provider with cleanup and a pull endpoint.
type Provider struct {
	MeterProvider metric.MeterProvider
	Meter         metric.Meter
	reader        *sdkmetric.ManualReader
	shutdown      func(context.Context) error
}

// Init sets up the meter provider. When enabled is false a no-op provider is
// returned and Handler reports 404.
func Init(enabled bool) *Provider {
	if !enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			MeterProvider: mp,
			Meter:         mp.Meter(MeterName),
			shutdown:      func(context.Context) error { return nil },
		}
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	return &Provider{
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
		reader:        reader,
		shutdown:      mp.Shutdown,
	}
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Point is one exported data point.
type Point struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	Count      uint64            `json:"count,omitempty"`
}

// Snapshot collects current values keyed by instrument name.
func (p *Provider) Snapshot(ctx context.Context) (map[string][]Point, error) {
	out := make(map[string][]Point)
	if p.reader == nil {
		return out, nil
	}

	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = append(out[m.Name], Point{
						Attributes: attrMap(dp.Attributes),
						Value:      float64(dp.Value),
					})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = append(out[m.Name], Point{
						Attributes: attrMap(dp.Attributes),
						Value:      dp.Sum,
						Count:      dp.Count,
					})
				}
			}
		}
	}

	return out, nil
}

// Handler serves Snapshot as JSON.
func (p *Provider) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.reader == nil {
			http.NotFound(w, r)
			return
		}

		snap, err := p.Snapshot(r.Context())
		if err != nil {
			http.Error(w, "failed to collect metrics", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
}

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	m := make(map[string]string, set.Len())
	for _, kv := range set.ToSlice() {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}
