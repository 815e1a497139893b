package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/agent/messaging"
)

// InventoryModel is an external view of where products are stored.
type InventoryModel interface {
	// ProductAt returns the product stored at station, or "" when unknown.
	ProductAt(ctx context.Context, station string) (string, error)
}

// TransportConfig tunes the transport negotiator.
type TransportConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultTransportConfig returns the default transport configuration.
// Timeout stays below the dispatcher's CFP window so a timed out leg still
// lets the capability offer arrive in time.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{Timeout: 3 * time.Second}
}

// LegResult is the outcome of one transport leg.
type LegResult struct {
	Requirement   capability.TransportRequirement
	CorrelationID string
	Outcome       string
	Offers        []capability.Offer
	Err           error
}

// TransportResult aggregates every leg. Accepted is false when any leg was
// skipped, refused or timed out.
type TransportResult struct {
	Offers   []capability.Offer
	Accepted bool
	Legs     []LegResult
}

// TransportNegotiator runs transport sub-negotiations for a holon.
type TransportNegotiator struct {
	agent     *AgentContext
	client    messaging.Client
	topics    messaging.Topics
	inventory InventoryModel
	config    TransportConfig
	recorder  Recorder
	logger    *zap.Logger
}

// NewTransportNegotiator creates a negotiator. inventory and recorder may be nil.
func NewTransportNegotiator(agent *AgentContext, client messaging.Client, topics messaging.Topics, inventory InventoryModel, config TransportConfig, recorder Recorder, logger *zap.Logger) *TransportNegotiator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTransportConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransportNegotiator{
		agent:     agent,
		client:    client,
		topics:    topics,
		inventory: inventory,
		config:    config,
		recorder:  recorderOrNop(recorder),
		logger:    logger.With(zap.String("component", "transport_negotiator"), zap.String("agent_id", agent.AgentID())),
	}
}

// Negotiate requests every leg concurrently. Offers keep leg order and are
// tagged with their placement.
func (t *TransportNegotiator) Negotiate(ctx context.Context, conversationID string, legs []capability.TransportRequirement) TransportResult {
	ctx, span := tracer().Start(ctx, "negotiation.transport",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("legs", len(legs)),
		))
	defer span.End()

	results := make([]LegResult, len(legs))
	g, gctx := errgroup.WithContext(ctx)
	for i, leg := range legs {
		i, leg := i, leg
		g.Go(func() error {
			results[i] = t.negotiateLeg(gctx, conversationID, leg)
			return nil
		})
	}
	_ = g.Wait()

	out := TransportResult{Accepted: true, Legs: results}
	for _, r := range results {
		t.recorder.RecordTransportLeg(placementLabel(r.Requirement.Placement.Tag()), r.Outcome)
		if r.Outcome != outcomeAccepted {
			out.Accepted = false
			continue
		}
		out.Offers = append(out.Offers, r.Offers...)
	}
	span.SetAttributes(attribute.Bool("accepted", out.Accepted), attribute.Int("offers", len(out.Offers)))
	return out
}

func (t *TransportNegotiator) negotiateLeg(ctx context.Context, conversationID string, leg capability.TransportRequirement) LegResult {
	res := LegResult{Requirement: leg}
	logger := t.logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("requirement_id", leg.RequirementID),
		zap.String("placement", string(leg.Placement)),
	)

	productID, err := t.resolveProduct(ctx, leg)
	if err != nil || productID == "" {
		logger.Warn("product id unresolved, skipping transport leg",
			zap.String("target_station", leg.TargetStation),
			zap.Error(err),
		)
		res.Outcome = outcomeSkipped
		res.Err = err
		return res
	}
	res.Requirement.ProductID = productID

	corrID := uuid.NewString()
	res.CorrelationID = corrID
	responseTopic := t.topics.TransportResponse()

	// Subscribe before publishing so a fast in-process reply is not lost.
	awaiter, err := newTopicAwaiter(ctx, t.client, responseTopic, func(env *messaging.Envelope) bool {
		return env.ConversationID == corrID && isTransportResponse(env)
	})
	if err != nil {
		logger.Warn("cannot subscribe for transport response", zap.Error(err))
		res.Outcome = outcomeError
		res.Err = err
		return res
	}
	defer awaiter.Close()

	req := TransportRequest{
		ProductID:     productID,
		SourceStation: leg.SourceStation,
		TargetStation: leg.TargetStation,
		Placement:     leg.Placement,
		RequirementID: leg.RequirementID,
	}
	env, err := messaging.NewEnvelope(messaging.CallForProposal, t.agent.AgentID(), corrID, req)
	if err != nil {
		res.Outcome = outcomeError
		res.Err = err
		return res
	}
	env.WithType(messaging.TypeTransport, messaging.SubTypeTransportRequest)
	env.ReplyTo = responseTopic
	if err := t.client.Publish(ctx, t.topics.TransportPlan(), env); err != nil {
		logger.Warn("transport request not delivered", zap.Error(err))
		res.Outcome = outcomeError
		res.Err = err
		return res
	}

	resp, err := awaiter.Next(ctx, time.Now().Add(t.config.Timeout))
	if err != nil {
		logger.Warn("transport response timed out", zap.String("correlation_id", corrID), zap.Error(err))
		res.Outcome = outcomeTimeout
		res.Err = err
		return res
	}
	if resp.Performative.IsRefusal() {
		var r RefusalPayload
		_ = resp.Decode(&r)
		logger.Info("transport refused", zap.String("code", r.Code), zap.String("reason", r.Reason))
		res.Outcome = outcomeRejected
		res.Err = fmt.Errorf("transport refused: %s", firstNonEmpty(r.Reason, r.Code, "no reason"))
		return res
	}

	offers := ExtractOffers(resp.Payload)
	if len(offers) == 0 {
		logger.Warn("transport response carried no offers", zap.String("correlation_id", corrID))
		res.Outcome = outcomeRejected
		res.Err = errors.New("transport response carried no offers")
		return res
	}
	tag := leg.Placement.Tag()
	for i := range offers {
		offers[i].Placement = tag
		if offers[i].RequirementID == "" {
			offers[i].RequirementID = leg.RequirementID
		}
	}
	res.Outcome = outcomeAccepted
	res.Offers = offers
	logger.Debug("transport accepted", zap.Int("offers", len(offers)))
	return res
}

func isTransportResponse(env *messaging.Envelope) bool {
	if env.Type != messaging.TypeTransport || env.SubType != messaging.SubTypeTransportRequest {
		return false
	}
	switch env.Performative {
	case messaging.Consent, messaging.InformConfirm, messaging.Proposal:
		return true
	}
	return env.Performative.IsRefusal()
}

// resolveProduct returns the literal product id, or resolves a wildcard from
// the local inventory snapshots, then from the external inventory model.
func (t *TransportNegotiator) resolveProduct(ctx context.Context, leg capability.TransportRequirement) (string, error) {
	if p := strings.TrimSpace(leg.ProductID); p != "" && p != capability.Wildcard {
		return p, nil
	}
	station := firstNonEmpty(leg.SourceStation, leg.TargetStation)
	if p, ok := t.agent.ResolveProductID(station); ok {
		return p, nil
	}
	if t.inventory == nil {
		return "", nil
	}
	p, err := t.inventory.ProductAt(ctx, station)
	if err != nil {
		return "", fmt.Errorf("inventory model: %w", err)
	}
	return strings.TrimSpace(p), nil
}

// =============================================================================
// 🔎 报价提取
// =============================================================================

// looseOffer accepts offers whose window fields sit at the top level.
type looseOffer struct {
	capability.Offer
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Station   string     `json:"station,omitempty"`
}

func (l looseOffer) normalize() capability.Offer {
	o := l.Offer
	if o.Window.Start.IsZero() && l.StartTime != nil {
		o.Window.Start = *l.StartTime
	}
	if o.Window.End.IsZero() && l.EndTime != nil {
		o.Window.End = *l.EndTime
	}
	if o.StationID == "" {
		o.StationID = l.Station
	}
	return o
}

// ExtractOffers reads offers from a transport response body. A typed
// TransportResponse is used directly; otherwise every nested object that
// looks like an offer is reassembled, depth first in key order.
func ExtractOffers(payload json.RawMessage) []capability.Offer {
	if len(payload) == 0 {
		return nil
	}
	var typed TransportResponse
	if err := json.Unmarshal(payload, &typed); err == nil && len(typed.Offers) > 0 && allIdentified(typed.Offers) {
		return typed.Offers
	}

	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil
	}
	var out []capability.Offer
	collectOffers(generic, &out)
	return out
}

func allIdentified(offers []capability.Offer) bool {
	for _, o := range offers {
		if o.InstanceID == "" && o.ProviderID == "" {
			return false
		}
	}
	return true
}

func collectOffers(v any, out *[]capability.Offer) {
	switch node := v.(type) {
	case map[string]any:
		if looksLikeOffer(node) {
			data, err := json.Marshal(node)
			if err == nil {
				var lo looseOffer
				if json.Unmarshal(data, &lo) == nil {
					*out = append(*out, lo.normalize())
					return
				}
			}
		}
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectOffers(node[k], out)
		}
	case []any:
		for _, item := range node {
			collectOffers(item, out)
		}
	}
}

func looksLikeOffer(m map[string]any) bool {
	if _, ok := m["instanceId"]; ok {
		return true
	}
	_, hasProvider := m["providerId"]
	_, hasStation := m["stationId"]
	if !hasProvider && !hasStation {
		return false
	}
	for _, k := range []string{"cost", "window", "startTime"} {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}
