// Package gateway is the single public entry point of the router. It owns
// the request lifecycle: classify, resolve the tier policy, dispatch with
// fallback, meter the outcome, and return a structured result. No other
// component knows about all the others.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zerocost-ai/model-router/internal/classify"
	"github.com/zerocost-ai/model-router/internal/dispatch"
	"github.com/zerocost-ai/model-router/internal/metering"
	"github.com/zerocost-ai/model-router/internal/policy"
	"github.com/zerocost-ai/model-router/internal/registry"
	"github.com/zerocost-ai/model-router/internal/security"
	"github.com/zerocost-ai/model-router/internal/types"
)

// Gateway orchestrates one request end to end. All dependencies are
// injected at construction; the gateway holds no mutable state of its own,
// so a single instance serves all requests concurrently.
type Gateway struct {
	classifier *classify.Classifier
	resolver   *policy.Resolver
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	meter      *metering.Meter
	audit      *security.AuditLogger
	logger     *logrus.Logger
}

func New(
	classifier *classify.Classifier,
	resolver *policy.Resolver,
	reg *registry.Registry,
	dispatcher *dispatch.Dispatcher,
	meter *metering.Meter,
	audit *security.AuditLogger,
	logger *logrus.Logger,
) *Gateway {
	meter.SetCostResolver(func(backendID string) float64 {
		if b, ok := reg.Get(backendID); ok {
			return b.CostPerRequest
		}
		return 0
	})

	return &Gateway{
		classifier: classifier,
		resolver:   resolver,
		registry:   reg,
		dispatcher: dispatcher,
		meter:      meter,
		audit:      audit,
		logger:     logger,
	}
}

// Input is the request contract exposed to the surrounding API layer.
type Input struct {
	Prompt         string `json:"prompt"`
	CustomerTier   string `json:"customer_tier"`
	ComplexityHint string `json:"complexity_hint,omitempty"`
}

// Handle processes one generation request. It always returns a structured
// result; a failing request produces an error result, never a panic or a
// bare error, so one bad request cannot take down its neighbors.
func (g *Gateway) Handle(ctx context.Context, in Input) types.GenerationResult {
	start := time.Now()

	tier, err := types.ParseTier(in.CustomerTier)
	if err != nil {
		// Caller bug, not a transient condition: reject immediately with no
		// dispatch attempt and no usage record.
		if g.audit != nil {
			g.audit.LogRoutingFailure(ctx, security.InvalidTierRejected, "", in.CustomerTier, err.Error())
		}
		return types.GenerationResult{
			Status:    "error",
			ErrorKind: types.ErrKindInvalidTier,
			Message:   err.Error(),
			LatencyMS: time.Since(start).Milliseconds(),
		}
	}

	req := &types.GenerationRequest{
		ID:             uuid.NewString(),
		Prompt:         in.Prompt,
		Tier:           tier,
		ComplexityHint: in.ComplexityHint,
		ArrivedAt:      start,
	}

	score := g.classifier.Score(req)

	prefs, err := g.resolver.Resolve(tier, score)
	if err != nil {
		// The tier parsed but has no policy: configuration hole, surfaced
		// the same way as an unknown tier.
		if g.audit != nil {
			g.audit.LogRoutingFailure(ctx, security.InvalidTierRejected, req.ID, string(tier), err.Error())
		}
		return types.GenerationResult{
			Status:    "error",
			ErrorKind: types.ErrKindInvalidTier,
			Message:   err.Error(),
			LatencyMS: time.Since(start).Milliseconds(),
		}
	}

	g.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"tier":       tier,
		"score":      score.Value,
		"preference": prefs,
	}).Debug("Request classified")

	decision, text, err := g.dispatcher.Dispatch(ctx, req, prefs)
	latency := time.Since(start)

	if err != nil {
		g.meter.Record(req, decision, latency, false)

		if g.audit != nil {
			g.audit.LogRoutingFailure(ctx, security.AllBackendsUnavailable, req.ID, string(tier), err.Error())
		}
		g.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": req.ID,
			"tier":       tier,
			"attempts":   len(decision.Attempts),
		}).Error("Dispatch exhausted all backends")

		kind := dispatch.Classify(err)
		if errors.Is(err, dispatch.ErrAllBackendsUnavailable) || kind == "" {
			kind = types.ErrKindAllBackendsUnavailable
		}
		return types.GenerationResult{
			Status:    "error",
			ErrorKind: kind,
			Message:   "no backend could serve the request; retry later",
			LatencyMS: latency.Milliseconds(),
		}
	}

	rec := g.meter.Record(req, decision, latency, true)

	if g.audit != nil {
		g.audit.LogRouting(ctx, req.ID, string(tier), decision.BackendID, len(decision.Attempts), rec.Cost, rec.Margin)
	}
	g.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"tier":       tier,
		"backend":    decision.BackendID,
		"attempts":   len(decision.Attempts),
		"latency_ms": latency.Milliseconds(),
		"cost":       rec.Cost,
		"margin":     rec.Margin,
	}).Info("Request routed")

	return types.GenerationResult{
		Status:    "success",
		Text:      text,
		ModelUsed: decision.BackendID,
		LatencyMS: latency.Milliseconds(),
		Cost:      rec.Cost,
	}
}
