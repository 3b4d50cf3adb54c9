package connectors

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
)

// Contract — имена полей в ответе модуля.
// Первое имя в каждом списке каноническое. Остальные имена являются алиасами, которые отдают
// модули первой версии; это shim на время миграции, а не часть контракта.
type Contract struct {
	Score      []string
	Decision   []string
	Flags      []string
	ErrorFlags []string
}

// Contracts — контракты ответов по модулям.
var Contracts = map[domain.Step]Contract{
	domain.StepChallenge: {
		Score:      []string{"score_challenge"},
		Decision:   []string{"decision_challenge"},
		Flags:      []string{"flags_challenge", "flags"},
		ErrorFlags: []string{"flags_challenge", "flags_summary"},
	},
	domain.StepFace: {
		Score:      []string{"score_face_match", "face_score"},
		Flags:      []string{"flags_face", "flags"},
		ErrorFlags: []string{"flags_face", "flags_summary"},
	},
	domain.StepVoice: {
		Score:      []string{"score_voice_match", "voice_score"},
		Flags:      []string{"flags_voice", "flags"},
		ErrorFlags: []string{"flags_voice", "flags_summary"},
	},
	domain.StepLipsync: {
		Score:      []string{"score_lipsync", "lipsync_score"},
		Flags:      []string{"flags_lipsync", "flags"},
		ErrorFlags: []string{"flags_lipsync", "flags_summary"},
	},
	domain.StepVSR: {
		Score:      []string{"score_vsr", "vsr_score"},
		Flags:      []string{"flags_vsr", "flags"},
		ErrorFlags: []string{"flags_vsr", "flags_summary"},
	},
	domain.StepFusion: {
		Decision:   []string{"final_decision", "decision"},
		Flags:      []string{"flags_summary", "flags"},
		ErrorFlags: []string{"flags_summary"},
	},
}

// Parse извлекает балл, решение и флаги из успешного ответа.
// Берётся первое присутствующее и не-null поле; нулевой балл считается валидным значением.
func (c Contract) Parse(body map[string]any) domain.ModuleResult {
	var res domain.ModuleResult
	for _, key := range c.Score {
		if score, ok := asFloat(body[key]); ok {
			res.Score = &score
			break
		}
	}
	for _, key := range c.Decision {
		if d, ok := body[key].(string); ok && d != "" {
			res.Decision = &d
			break
		}
	}
	res.Flags = firstFlags(body, c.Flags)
	return res
}

// FlagsFromError достаёт флаги из JSON-тела ошибки модуля.
func (c Contract) FlagsFromError(body map[string]any) []string {
	return firstFlags(body, c.ErrorFlags)
}

func firstFlags(body map[string]any, keys []string) []string {
	for _, key := range keys {
		raw, ok := body[key].([]any)
		if !ok || len(raw) == 0 {
			continue
		}
		flags := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				flags = append(flags, s)
			}
		}
		if len(flags) > 0 {
			return flags
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch n := v.(type) {
	case float64:
		f = n
	case json.Number:
		f, err = n.Float64()
	case string:
		f, err = strconv.ParseFloat(n, 64)
	default:
		return 0, false
	}
	// NaN и ±Inf не сериализуются в JSON: такой балл считаем отсутствующим.
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
