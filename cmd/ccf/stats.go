package main

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// logStats logs one line per counter series gathered from reg.
func logStats(logger log.Logger, reg prometheus.Gatherer) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}

	for _, family := range families {
		if family.GetType() != dto.MetricType_COUNTER {
			continue
		}

		for _, metric := range family.GetMetric() {
			keyvals := []any{"msg", "storage stats", "metric", family.GetName()}
			for _, label := range metric.GetLabel() {
				keyvals = append(keyvals, label.GetName(), label.GetValue())
			}
			keyvals = append(keyvals, "value", metric.GetCounter().GetValue())
			level.Info(logger).Log(keyvals...)
		}
	}
	return nil
}
