package negotiation

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BaSui01/holonflow/agent/negotiation"

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// Recorder receives negotiation outcomes, typically the metrics collector.
type Recorder interface {
	RecordNegotiation(role, outcome string, duration time.Duration)
	RecordCFPSent(capability string)
	RecordResponse(performative string)
	RecordTransportLeg(placement, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordNegotiation(string, string, time.Duration) {}
func (nopRecorder) RecordCFPSent(string)                            {}
func (nopRecorder) RecordResponse(string)                           {}
func (nopRecorder) RecordTransportLeg(string, string)               {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}

// Role and outcome labels.
const (
	roleDispatcher = "dispatcher"
	roleHolon      = "holon"
	roleTransport  = "transport"

	outcomeProposal   = "proposal"
	outcomeRefusal    = "refusal"
	outcomeOffer      = "offer"
	outcomeError      = "error"
	outcomeAccepted   = "accepted"
	outcomeRejected   = "rejected"
	outcomeTimeout    = "timeout"
	outcomeSkipped    = "skipped"
	outcomeInfeasible = "infeasible"
)

func placementLabel(tag string) string {
	if tag == "" {
		return "none"
	}
	return tag
}
