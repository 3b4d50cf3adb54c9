package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
)

func TestResolveStandard(t *testing.T) {
	req, err := StaticResolver{}.Resolve(domain.PolicyStrictStandard)
	require.NoError(t, err)

	assert.Equal(t, domain.ModeSpoken, req.Mode)
	assert.Equal(t, domain.AudioRequired, req.Audio)
	assert.True(t, req.AudioUsed())
	assert.Equal(t, []domain.Step{
		domain.StepChallenge, domain.StepFace, domain.StepVoice, domain.StepLipsync, domain.StepFusion,
	}, req.Steps)
	assert.False(t, req.Has(domain.StepVSR))
}

func TestResolveSilent(t *testing.T) {
	req, err := StaticResolver{}.Resolve(domain.PolicyStrictSilent)
	require.NoError(t, err)

	assert.Equal(t, domain.ModeSilent, req.Mode)
	assert.False(t, req.AudioUsed())
	assert.Equal(t, []domain.Step{
		domain.StepChallenge, domain.StepFace, domain.StepVSR, domain.StepFusion,
	}, req.Steps)
	assert.False(t, req.Has(domain.StepVoice))
	assert.False(t, req.Has(domain.StepLipsync))
}

func TestResolveReturnsCopy(t *testing.T) {
	req, err := StaticResolver{}.Resolve(domain.PolicyStrictSilent)
	require.NoError(t, err)
	req.Steps[0] = domain.StepFusion

	again, err := StaticResolver{}.Resolve(domain.PolicyStrictSilent)
	require.NoError(t, err)
	assert.Equal(t, domain.StepChallenge, again.Steps[0])
}

func TestResolveUnknownPolicy(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		id := domain.PolicyID(rapid.String().Draw(rt, "policy_id"))
		if id == domain.PolicyStrictStandard || id == domain.PolicyStrictSilent {
			rt.Skip("known policy")
		}

		_, err := StaticResolver{}.Resolve(id)
		require.ErrorIs(rt, err, domain.ErrInvalidPolicy)
	})
}

func TestPolicies(t *testing.T) {
	assert.Equal(t, []domain.PolicyID{domain.PolicyStrictSilent, domain.PolicyStrictStandard}, Policies())
}
