package handler

import (
	"net/http"
	"time"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
	"github.com/xela07ax/veritas-orchestrator/internal/infra"
	"github.com/xela07ax/veritas-orchestrator/internal/policy"
)

type HealthHandler struct {
	cfg     *infra.Config
	version string
	now     func() time.Time
}

func NewHealthHandler(cfg *infra.Config, version string) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: version, now: time.Now}
}

type healthResponse struct {
	OK       bool              `json:"ok"`
	Service  string            `json:"service"`
	Version  string            `json:"version"`
	TimeUTC  string            `json:"time_utc"`
	Limits   healthLimits      `json:"limits"`
	HTTP     healthHTTP        `json:"http"`
	Modules  domain.ModuleRefs `json:"modules"`
	Policies []domain.PolicyID `json:"policies"`
}

type healthLimits struct {
	MaxVideoMB int64 `json:"max_video_mb"`
	MaxAudioMB int64 `json:"max_audio_mb"`
}

type healthHTTP struct {
	TimeoutS float64 `json:"timeout_s"`
	Retries  int     `json:"retries"`
}

// Health обслуживает GET /health: статическая картина конфигурации, без обращения к модулям.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		OK:      true,
		Service: "orchestrator",
		Version: h.version,
		TimeUTC: h.now().UTC().Format(time.RFC3339),
		Limits: healthLimits{
			MaxVideoMB: h.cfg.Limits.MaxVideoMB,
			MaxAudioMB: h.cfg.Limits.MaxAudioMB,
		},
		HTTP: healthHTTP{
			TimeoutS: h.cfg.HTTP.Timeout.Seconds(),
			Retries:  h.cfg.HTTP.Retries,
		},
		Modules:  h.cfg.Modules.Refs(),
		Policies: policy.Policies(),
	})
}
