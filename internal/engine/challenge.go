package engine

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/veritas-orchestrator/internal/connectors"
	"github.com/xela07ax/veritas-orchestrator/internal/domain"
)

// StartChallenge проксирует выдачу челленджа в challenge-движок как есть.
func (p *Pipeline) StartChallenge(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	c := p.opts.Modules.Challenge
	out, err := p.client.PostJSON(ctx, connectors.Call{
		Module: "challenge_start",
		URL:    connectors.URL(c.BaseURL, c.StartPath),
	}, payload)

	var terr *connectors.TransportError
	switch {
	case errors.As(err, &terr):
		return nil, &domain.PipelineError{
			Code:       domain.CodeChallengeStartError,
			Message:    "challenge start failed: module unreachable",
			HTTPStatus: http.StatusBadGateway,
			Cause:      err,
		}
	case err != nil:
		return nil, internalError("challenge start failed", err)
	}

	if merr := out.Err(); merr != nil {
		p.logger.Warn("challenge start rejected",
			zap.Int("status", merr.StatusCode),
			zap.String("request_id", RequestIDFrom(ctx)))
		return nil, &domain.PipelineError{
			Code:       domain.CodeChallengeStartError,
			Message:    "challenge start failed",
			HTTPStatus: merr.Status(),
			Flags:      connectors.Contracts[domain.StepChallenge].FlagsFromError(merr.Body),
			Cause:      merr,
		}
	}
	return out.Body, nil
}
