package policy

import (
	"fmt"
	"sort"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
)

// Resolver превращает policy_id в режим, требования к входу и набор шагов.
type Resolver interface {
	Resolve(id domain.PolicyID) (domain.Requirements, error)
}

// registry — статическая таблица политик. Без I/O, без состояния.
var registry = map[domain.PolicyID]domain.Requirements{
	domain.PolicyStrictStandard: {
		Policy: domain.PolicyStrictStandard,
		Mode:   domain.ModeSpoken,
		Audio:  domain.AudioRequired,
		Steps: []domain.Step{
			domain.StepChallenge,
			domain.StepFace,
			domain.StepVoice,
			domain.StepLipsync,
			domain.StepFusion,
		},
	},
	domain.PolicyStrictSilent: {
		Policy: domain.PolicyStrictSilent,
		Mode:   domain.ModeSilent,
		Audio:  domain.AudioIgnored,
		Steps: []domain.Step{
			domain.StepChallenge,
			domain.StepFace,
			domain.StepVSR,
			domain.StepFusion,
		},
	},
}

// StaticResolver — реализация Resolver поверх встроенной таблицы.
type StaticResolver struct{}

// Resolve возвращает копию требований, чтобы вызывающий не мог испортить таблицу.
func (StaticResolver) Resolve(id domain.PolicyID) (domain.Requirements, error) {
	req, ok := registry[id]
	if !ok {
		return domain.Requirements{}, fmt.Errorf("%w: %q", domain.ErrInvalidPolicy, id)
	}
	req.Steps = append([]domain.Step(nil), req.Steps...)
	return req, nil
}

// Policies — список известных идентификаторов, отсортированный.
func Policies() []domain.PolicyID {
	ids := make([]domain.PolicyID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
