package engine

/*
Файл pipeline.go реализует конвейер мультимодальной верификации.

Состояния: VALIDATE -> PERSIST -> CHALLENGE -> FACE -> (VOICE -> LIPSYNC | VSR)
-> FUSION -> PROOF -> DONE, терминальное FAILED(code).

Набор шагов задаёт политика. Первый жёсткий отказ останавливает прогон:
следующие модули не вызываются, частичные тайминги и breakdown отдаются как есть.
Fusion не стартует, пока не завершились все обязательные шаги.
*/

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/veritas-orchestrator/internal/connectors"
	"github.com/xela07ax/veritas-orchestrator/internal/domain"
	"github.com/xela07ax/veritas-orchestrator/internal/evidence"
	"github.com/xela07ax/veritas-orchestrator/internal/infra"
	"github.com/xela07ax/veritas-orchestrator/internal/policy"
	"github.com/xela07ax/veritas-orchestrator/internal/proof"
)

// ModuleCaller: исходящий транспорт к модулям. Реализуется connectors.Client.
type ModuleCaller interface {
	PostJSON(ctx context.Context, call connectors.Call, payload any) (*connectors.Outcome, error)
	PostMultipart(ctx context.Context, call connectors.Call, form connectors.Form) (*connectors.Outcome, error)
}

// EvidenceStore: хранилище сессий. Реализуется evidence.Store.
type EvidenceStore interface {
	CheckSize(kind domain.ArtifactKind, size int64) error
	CreateSession(ctx context.Context, spec evidence.SessionSpec) (*domain.Session, error)
	Persist(sess *domain.Session, kind domain.ArtifactKind, up *domain.Upload) (*domain.Artifact, error)
	WriteMetadata(sess *domain.Session) error
}

// ProofRecorder: запись пруфа. Реализуется proof.Builder.
type ProofRecorder interface {
	Build(ctx context.Context, rec proof.Record) (*proof.Receipt, error)
}

// Journal: асинхронный журнал прогонов. Реализуется audit.Journal.
type Journal interface {
	Log(event domain.VerificationEvent)
}

// Notifier: оповещение о записанном пруфе.
type Notifier interface {
	Publish(ctx context.Context, event domain.VerificationEvent) error
}

// Options: параметры конвейера из конфигурации.
type Options struct {
	Modules          infra.ModulesConfig
	MaxFlags         int
	ParallelPrecheck bool
}

// Deps: зависимости конвейера. Journal и Notifier необязательны.
type Deps struct {
	Resolver policy.Resolver
	Store    EvidenceStore
	Client   ModuleCaller
	Proofs   ProofRecorder
	Journal  Journal
	Notifier Notifier
	Metrics  *Metrics
}

type Pipeline struct {
	resolver policy.Resolver
	store    EvidenceStore
	client   ModuleCaller
	proofs   ProofRecorder
	journal  Journal
	notifier Notifier
	metrics  *Metrics
	opts     Options
	logger   *zap.Logger
}

func NewPipeline(deps Deps, opts Options, logger *zap.Logger) *Pipeline {
	if opts.MaxFlags <= 0 {
		opts.MaxFlags = 20
	}
	if deps.Resolver == nil {
		deps.Resolver = policy.StaticResolver{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &Pipeline{
		resolver: deps.Resolver,
		store:    deps.Store,
		client:   deps.Client,
		proofs:   deps.Proofs,
		journal:  deps.Journal,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		opts:     opts,
		logger:   logger.Named("pipeline"),
	}
}

// run: состояние одного прогона. Не разделяется между запросами.
type run struct {
	req   *domain.VerificationRequest
	reqs  domain.Requirements
	audio *domain.Upload
	sess  *domain.Session

	flags             *flagSet
	breakdown         domain.Breakdown
	timings           domain.Timings
	challengeDecision *string

	start     time.Time
	requestID string
}

// stepOutcome: результат вызова модуля до применения к состоянию прогона.
type stepOutcome struct {
	step   domain.Step
	result domain.ModuleResult
	flags  []string
	ms     int64
	err    error
}

// Verify выполняет полный прогон. Ошибка всегда *domain.PipelineError.
func (p *Pipeline) Verify(ctx context.Context, req *domain.VerificationRequest) (*domain.VerificationResult, error) {
	r := &run{
		req:       req,
		flags:     newFlagSet(),
		start:     time.Now(),
		requestID: RequestIDFrom(ctx),
	}

	res, perr := p.execute(ctx, r)
	r.timings.Total = time.Since(r.start).Milliseconds()

	if perr != nil {
		perr.Flags = r.flags.Summary(p.opts.MaxFlags)
		perr.Breakdown = r.breakdown
		perr.Timings = r.timings
		if r.sess != nil {
			perr.SessionID = r.sess.ID
		}
		p.finish(ctx, r, nil, perr)
		return nil, perr
	}

	res.Timings = r.timings
	p.finish(ctx, r, res, nil)
	return res, nil
}

func (p *Pipeline) execute(ctx context.Context, r *run) (*domain.VerificationResult, *domain.PipelineError) {
	// 1. VALIDATE: без I/O
	if perr := p.validate(r); perr != nil {
		return nil, perr
	}

	// 2. PERSIST
	if perr := p.persist(ctx, r); perr != nil {
		return nil, perr
	}

	// 3. Модули по политике, fusion последним
	if perr := p.runSteps(ctx, r); perr != nil {
		return nil, p.recordFailure(ctx, r, perr)
	}

	decision, perr := p.fusion(ctx, r)
	if perr != nil {
		return nil, p.recordFailure(ctx, r, perr)
	}

	// 4. PROOF
	flags := r.flags.Summary(p.opts.MaxFlags)
	r.timings.Total = time.Since(r.start).Milliseconds()
	receipt, err := p.proofs.Build(ctx, proof.Record{
		Session:       r.sess,
		Status:        domain.ProofCompleted,
		FinalDecision: decision,
		Breakdown:     r.breakdown,
		Flags:         flags,
		Timings:       r.timings,
	})
	if err != nil {
		return nil, internalError("failed to record proof", err)
	}

	return &domain.VerificationResult{
		SessionID:     r.sess.ID,
		FinalDecision: decision,
		ProofID:       receipt.ProofID,
		ProofFile:     receipt.Path,
		ProofSHA256:   receipt.SHA256,
		Breakdown:     r.breakdown,
		Flags:         flags,
	}, nil
}

func (p *Pipeline) validate(r *run) *domain.PipelineError {
	req := r.req
	reqs, err := p.resolver.Resolve(req.PolicyID)
	if err != nil {
		return domain.NewRequestError(domain.CodeInvalidPolicy, http.StatusBadRequest,
			fmt.Sprintf("policy_id must be one of %s", joinPolicies()), err)
	}
	r.reqs = reqs

	switch {
	case strings.TrimSpace(req.EnrollmentIDFace) == "":
		return missing("enrollment_id_face required")
	case strings.TrimSpace(req.ChallengeID) == "":
		return missing("challenge_id required")
	case req.Video == nil:
		return missing("clip_video required")
	}

	if reqs.Audio == domain.AudioRequired {
		if strings.TrimSpace(req.EnrollmentIDVoice) == "" {
			return missing(fmt.Sprintf("enrollment_id_voice required for %s", reqs.Policy))
		}
		if req.Audio == nil {
			return missing(fmt.Sprintf("clip_audio required for %s", reqs.Policy))
		}
		r.audio = req.Audio
	} else if req.Audio != nil {
		// SILENT: аудио принимается, но дальше не идёт
		r.flags.Add(domain.FlagAudioIgnoredSilent)
	}

	if err := req.Thresholds.Validate(); err != nil {
		return domain.NewRequestError(domain.CodeInvalidField, http.StatusBadRequest, err.Error(), err)
	}
	return nil
}

func (p *Pipeline) persist(ctx context.Context, r *run) *domain.PipelineError {
	// Заявленные размеры проверяются до создания сессии
	if r.req.Video.Size >= 0 {
		if err := p.store.CheckSize(domain.ArtifactVideo, r.req.Video.Size); err != nil {
			return tooLarge(domain.ArtifactVideo, err)
		}
	}
	if r.audio != nil && r.audio.Size >= 0 {
		if err := p.store.CheckSize(domain.ArtifactAudio, r.audio.Size); err != nil {
			return tooLarge(domain.ArtifactAudio, err)
		}
	}

	sess, err := p.store.CreateSession(ctx, evidence.SessionSpec{
		PolicyID:          r.reqs.Policy,
		Mode:              r.reqs.Mode,
		ChallengeID:       r.req.ChallengeID,
		EnrollmentIDFace:  r.req.EnrollmentIDFace,
		EnrollmentIDVoice: r.req.EnrollmentIDVoice,
	})
	if err != nil {
		return internalError("failed to create session", err)
	}
	r.sess = sess

	if _, err := p.store.Persist(sess, domain.ArtifactVideo, r.req.Video); err != nil {
		if errors.Is(err, domain.ErrPayloadTooLarge) {
			return tooLarge(domain.ArtifactVideo, err)
		}
		return internalError("failed to persist video", err)
	}
	if r.audio != nil {
		if _, err := p.store.Persist(sess, domain.ArtifactAudio, r.audio); err != nil {
			if errors.Is(err, domain.ErrPayloadTooLarge) {
				return tooLarge(domain.ArtifactAudio, err)
			}
			return internalError("failed to persist audio", err)
		}
	}

	if err := p.store.WriteMetadata(sess); err != nil {
		return internalError("failed to write session metadata", err)
	}

	p.logger.Debug("evidence persisted",
		zap.String("session_id", sess.ID),
		zap.String("policy_id", string(sess.PolicyID)),
		zap.Bool("audio", sess.Audio != nil))
	return nil
}

func (p *Pipeline) runSteps(ctx context.Context, r *run) *domain.PipelineError {
	steps := make([]domain.Step, 0, len(r.reqs.Steps))
	for _, s := range r.reqs.Steps {
		if s != domain.StepFusion {
			steps = append(steps, s)
		}
	}

	// Challenge и Face могут идти параллельно, но применяются в фиксированном порядке
	if p.opts.ParallelPrecheck && len(steps) >= 2 &&
		steps[0] == domain.StepChallenge && steps[1] == domain.StepFace {
		outs := p.precheck(ctx, r)
		// оба вызова уже отработали: их длительности попадают в ответ при любом исходе
		for _, out := range outs {
			r.timings.Set(out.step, out.ms)
		}
		for _, out := range outs {
			if perr := p.apply(r, out); perr != nil {
				return perr
			}
		}
		steps = steps[2:]
	}

	for _, step := range steps {
		if perr := p.apply(r, p.call(ctx, r, step)); perr != nil {
			return perr
		}
	}
	return nil
}

// precheck запускает challenge и face одновременно и ждёт оба.
func (p *Pipeline) precheck(ctx context.Context, r *run) [2]stepOutcome {
	var outs [2]stepOutcome
	var g errgroup.Group
	for i, step := range []domain.Step{domain.StepChallenge, domain.StepFace} {
		i, step := i, step
		g.Go(func() error {
			outs[i] = p.call(ctx, r, step)
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

// call: один вызов модуля. Состояние прогона не меняет.
func (p *Pipeline) call(ctx context.Context, r *run, step domain.Step) stepOutcome {
	start := time.Now()
	out, err := p.client.PostMultipart(ctx, connectors.Call{
		Module:    string(step),
		URL:       p.stepURL(step),
		SessionID: r.sess.ID,
	}, p.stepForm(r, step))

	res := stepOutcome{step: step, ms: time.Since(start).Milliseconds()}
	if err != nil {
		res.err = err
		return res
	}

	contract := connectors.Contracts[step]
	if merr := out.Err(); merr != nil {
		res.err = merr
		res.flags = contract.FlagsFromError(merr.Body)
		return res
	}
	res.result = contract.Parse(out.Body)
	res.flags = res.result.Flags
	return res
}

// apply переносит результат шага в состояние прогона.
func (p *Pipeline) apply(r *run, out stepOutcome) *domain.PipelineError {
	r.timings.Set(out.step, out.ms)
	r.flags.Add(out.flags...)
	if out.err != nil {
		return p.stepFailure(r, out.step, out.err)
	}

	r.breakdown.Set(out.step, out.result.Score)
	if out.step == domain.StepChallenge {
		r.challengeDecision = out.result.Decision
	}
	return nil
}

func (p *Pipeline) fusion(ctx context.Context, r *run) (string, *domain.PipelineError) {
	start := time.Now()
	out, err := p.client.PostJSON(ctx, connectors.Call{
		Module:    string(domain.StepFusion),
		URL:       p.stepURL(domain.StepFusion),
		SessionID: r.sess.ID,
	}, p.fusionPayload(r))
	r.timings.Fusion = time.Since(start).Milliseconds()

	if err != nil {
		return "", p.stepFailure(r, domain.StepFusion, err)
	}
	contract := connectors.Contracts[domain.StepFusion]
	if merr := out.Err(); merr != nil {
		r.flags.Add(contract.FlagsFromError(merr.Body)...)
		return "", p.stepFailure(r, domain.StepFusion, merr)
	}

	res := contract.Parse(out.Body)
	r.flags.Add(res.Flags...)
	if res.Decision == nil {
		return domain.DecisionInconclusive, nil
	}
	return *res.Decision, nil
}

type fusionPayload struct {
	PolicyID   domain.PolicyID   `json:"policy_id"`
	Thresholds domain.Thresholds `json:"thresholds"`
	Inputs     fusionInputs      `json:"inputs"`
}

type fusionInputs struct {
	Challenge fusionChallenge `json:"challenge"`
	Face      fusionScore     `json:"face"`
	Voice     fusionScore     `json:"voice"`
	Lipsync   fusionScore     `json:"lipsync"`
	VSR       fusionScore     `json:"vsr"`
}

type fusionChallenge struct {
	Score    *float64 `json:"score"`
	Decision *string  `json:"decision"`
}

type fusionScore struct {
	Score *float64 `json:"score"`
}

func (p *Pipeline) fusionPayload(r *run) fusionPayload {
	return fusionPayload{
		PolicyID:   r.reqs.Policy,
		Thresholds: r.req.Thresholds,
		Inputs: fusionInputs{
			Challenge: fusionChallenge{Score: r.breakdown.ChallengeScore, Decision: r.challengeDecision},
			Face:      fusionScore{Score: r.breakdown.FaceScore},
			Voice:     fusionScore{Score: r.breakdown.VoiceScore},
			Lipsync:   fusionScore{Score: r.breakdown.LipsyncScore},
			VSR:       fusionScore{Score: r.breakdown.VSRScore},
		},
	}
}

func (p *Pipeline) stepURL(step domain.Step) string {
	m := p.opts.Modules
	switch step {
	case domain.StepChallenge:
		return connectors.URL(m.Challenge.BaseURL, m.Challenge.ValidatePath)
	case domain.StepFace:
		return connectors.URL(m.Face.BaseURL, m.Face.Path)
	case domain.StepVoice:
		return connectors.URL(m.Voice.BaseURL, m.Voice.Path)
	case domain.StepLipsync:
		return connectors.URL(m.Lipsync.BaseURL, m.Lipsync.Path)
	case domain.StepVSR:
		return connectors.URL(m.VSR.BaseURL, m.VSR.Path)
	case domain.StepFusion:
		return connectors.URL(m.Fusion.BaseURL, m.Fusion.Path)
	}
	return ""
}

// stepForm: поля и файлы, которые получает модуль.
func (p *Pipeline) stepForm(r *run, step domain.Step) connectors.Form {
	sess := r.sess
	video := filePart("clip_video", sess.Video)

	switch step {
	case domain.StepChallenge:
		form := connectors.Form{
			Fields: map[string]string{"challenge_id": sess.ChallengeID, "mode": string(sess.Mode)},
			Files:  []connectors.FilePart{video},
		}
		if sess.Audio != nil {
			form.Files = append(form.Files, filePart("clip_audio", sess.Audio))
		}
		return form
	case domain.StepFace:
		return connectors.Form{
			Fields: map[string]string{"enrollment_id_face": sess.EnrollmentIDFace},
			Files:  []connectors.FilePart{video},
		}
	case domain.StepVoice:
		return connectors.Form{
			Fields: map[string]string{"enrollment_id_voice": sess.EnrollmentIDVoice},
			Files:  []connectors.FilePart{filePart("clip_audio", sess.Audio)},
		}
	case domain.StepLipsync:
		return connectors.Form{
			Fields: map[string]string{"challenge_id": sess.ChallengeID},
			Files:  []connectors.FilePart{video, filePart("clip_audio", sess.Audio)},
		}
	default:
		return connectors.Form{
			Fields: map[string]string{"challenge_id": sess.ChallengeID},
			Files:  []connectors.FilePart{video},
		}
	}
}

func filePart(field string, art *domain.Artifact) connectors.FilePart {
	if art == nil {
		return connectors.FilePart{Field: field}
	}
	return connectors.FilePart{
		Field:       field,
		Filename:    art.Filename,
		ContentType: art.ContentType,
		Path:        art.Path,
	}
}

var stepActions = map[domain.Step]string{
	domain.StepChallenge: "challenge validate",
	domain.StepFace:      "face verify",
	domain.StepVoice:     "voice verify",
	domain.StepLipsync:   "lipsync validate",
	domain.StepVSR:       "vsr validate",
	domain.StepFusion:    "fusion evaluate",
}

// stepFailure классифицирует отказ шага: ответ модуля, недоступность или локальный сбой.
func (p *Pipeline) stepFailure(r *run, step domain.Step, err error) *domain.PipelineError {
	code := domain.StepErrorCode(step)
	msg := stepActions[step] + " failed"

	var merr *connectors.ModuleError
	var terr *connectors.TransportError
	switch {
	case errors.As(err, &merr):
		p.logger.Warn("module rejected request",
			zap.String("session_id", r.sess.ID),
			zap.String("module", string(step)),
			zap.Int("status", merr.StatusCode),
			zap.String("body", merr.Text))
		return &domain.PipelineError{Code: code, Message: msg, HTTPStatus: merr.Status(), Cause: err}
	case errors.As(err, &terr):
		return &domain.PipelineError{Code: code, Message: msg + ": module unreachable", HTTPStatus: http.StatusBadGateway, Cause: err}
	default:
		return internalError(msg, err)
	}
}

// recordFailure пишет пруф со статусом FAILED, если доказательства уже сохранены.
// Сбой записи не подменяет исходную ошибку.
func (p *Pipeline) recordFailure(ctx context.Context, r *run, perr *domain.PipelineError) *domain.PipelineError {
	if r.sess == nil || r.sess.Video == nil || p.proofs == nil {
		return perr
	}
	r.timings.Total = time.Since(r.start).Milliseconds()
	receipt, err := p.proofs.Build(ctx, proof.Record{
		Session:   r.sess,
		Status:    domain.ProofFailed,
		ErrorCode: perr.Code,
		Breakdown: r.breakdown,
		Flags:     r.flags.Summary(p.opts.MaxFlags),
		Timings:   r.timings,
	})
	if err != nil {
		p.logger.Error("failed to record failure proof",
			zap.String("session_id", r.sess.ID),
			zap.String("error_code", string(perr.Code)),
			zap.Error(err))
		return perr
	}
	perr.ProofID = receipt.ProofID
	return perr
}

// finish: метрики, журнал и уведомление. Ничего из этого не влияет на ответ.
func (p *Pipeline) finish(ctx context.Context, r *run, res *domain.VerificationResult, perr *domain.PipelineError) {
	event := domain.VerificationEvent{
		ID:        uuid.New().String(),
		RequestID: r.requestID,
		PolicyID:  r.req.PolicyID,
		Mode:      r.reqs.Mode,
		Breakdown: r.breakdown,
		Timings:   r.timings,
		Timestamp: time.Now().UTC(),
	}
	if r.sess != nil {
		event.SessionID = r.sess.ID
	}

	outcome := ""
	if perr != nil {
		outcome = string(perr.Code)
		event.Status = domain.ProofFailed
		event.ErrorCode = perr.Code
		event.ProofID = perr.ProofID
		event.Flags = perr.Flags

		log := p.logger.Info
		if perr.Status() >= http.StatusInternalServerError {
			log = p.logger.Error
		}
		log("verification failed",
			zap.String("request_id", r.requestID),
			zap.String("session_id", event.SessionID),
			zap.String("policy_id", string(r.req.PolicyID)),
			zap.String("error_code", outcome),
			zap.Int("status", perr.Status()),
			zap.Error(perr.Cause))
	} else {
		outcome = res.FinalDecision
		event.Status = domain.ProofCompleted
		event.FinalDecision = res.FinalDecision
		event.ProofID = res.ProofID
		event.Flags = res.Flags

		p.logger.Info("verification completed",
			zap.String("request_id", r.requestID),
			zap.String("session_id", res.SessionID),
			zap.String("proof_id", res.ProofID),
			zap.String("final_decision", res.FinalDecision),
			zap.Int64("total_ms", r.timings.Total))
	}

	p.metrics.ObserveVerification(string(r.req.PolicyID), outcome, time.Since(r.start))

	if p.journal != nil {
		p.journal.Log(event)
	}
	if p.notifier != nil && event.ProofID != "" {
		if err := p.notifier.Publish(ctx, event); err != nil {
			p.logger.Warn("proof notification failed", zap.String("proof_id", event.ProofID), zap.Error(err))
		}
	}
}

func missing(msg string) *domain.PipelineError {
	return domain.NewRequestError(domain.CodeMissingField, http.StatusBadRequest, msg, domain.ErrMissingField)
}

func tooLarge(kind domain.ArtifactKind, err error) *domain.PipelineError {
	code := domain.CodeVideoTooLarge
	if kind == domain.ArtifactAudio {
		code = domain.CodeAudioTooLarge
	}
	return domain.NewRequestError(code, http.StatusRequestEntityTooLarge, fmt.Sprintf("clip_%s exceeds size limit", kind), err)
}

func internalError(msg string, err error) *domain.PipelineError {
	return &domain.PipelineError{
		Code:       domain.CodeInternal,
		Message:    msg,
		HTTPStatus: http.StatusInternalServerError,
		Cause:      err,
	}
}

func joinPolicies() string {
	ids := policy.Policies()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return strings.Join(names, ", ")
}
