// Package observability provides job metrics exported in Prometheus format.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"uws/internal/job"
)

// Attribute keys
const (
	attrMode    = "mode"
	attrPhase   = "phase"
	attrEvent   = "event"
	attrOutcome = "outcome"
)

func modeAttr(sync bool) attribute.KeyValue {
	if sync {
		return attribute.String(attrMode, "sync")
	}
	return attribute.String(attrMode, "async")
}

func phaseAttr(p job.Phase) attribute.KeyValue {
	return attribute.String(attrPhase, string(p))
}

func eventAttr(t job.EventType) attribute.KeyValue {
	return attribute.String(attrEvent, string(t))
}

// outcomeAttr groups ended jobs into success and the two failure phases so
// dashboards do not need to know every UWS phase.
func outcomeAttr(p job.Phase) attribute.KeyValue {
	switch p {
	case job.Completed:
		return attribute.String(attrOutcome, "success")
	case job.Aborted, job.Archived:
		return attribute.String(attrOutcome, "aborted")
	default:
		return attribute.String(attrOutcome, "error")
	}
}

// WithMode returns a metric option with the execution mode attribute.
func WithMode(sync bool) metric.MeasurementOption {
	return metric.WithAttributes(modeAttr(sync))
}

// WithPhase returns a metric option with the phase attribute.
func WithPhase(p job.Phase) metric.MeasurementOption {
	return metric.WithAttributes(phaseAttr(p))
}
