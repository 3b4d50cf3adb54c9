package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SessionHeader: корреляционный заголовок, уходит с каждым исходящим вызовом.
const SessionHeader = "X-Veritas-Session"

// Исходы вызова для метрик.
const (
	OutcomeOK             = "ok"
	OutcomeModuleError    = "module_error"
	OutcomeTransportError = "transport_error"
)

// Options: поведение клиента. Заполняется из infra.HTTPConfig и infra.BreakerConfig.
type Options struct {
	Timeout          time.Duration
	Retries          int
	RetryBackoff     time.Duration
	MaxErrorText     int
	MaxResponseBytes int64
	RateLimit        float64
	RateBurst        int

	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
	BreakerMaxFailures uint32
}

// Observer получает события клиента (метрики). Реализуется engine.Metrics.
type Observer interface {
	ObserveCall(module, outcome string, d time.Duration)
	ObserveBreaker(module string, state gobreaker.State)
}

type nopObserver struct{}

func (nopObserver) ObserveCall(string, string, time.Duration) {}
func (nopObserver) ObserveBreaker(string, gobreaker.State)    {}

// Call: адресат исходящего вызова.
type Call struct {
	Module    string
	URL       string
	SessionID string
}

// FilePart: бинарная часть multipart-формы, читается с диска.
type FilePart struct {
	Field       string
	Filename    string
	ContentType string
	Path        string
}

// Form: multipart-полезная нагрузка.
type Form struct {
	Fields map[string]string
	Files  []FilePart
}

// Outcome: нормализованный ответ модуля при состоявшемся HTTP-обмене.
type Outcome struct {
	Module      string
	StatusCode  int
	ContentType string
	Body        map[string]any
	Text        string
}

// Err возвращает типизированную ошибку модуля для 4xx/5xx, иначе nil.
func (o *Outcome) Err() *ModuleError {
	if o.StatusCode < 400 {
		return nil
	}
	return &ModuleError{
		Module:     o.Module,
		StatusCode: o.StatusCode,
		Body:       o.Body,
		Text:       o.Text,
	}
}

// guard: предохранители одного модуля (лимитер и Circuit Breaker).
type guard struct {
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Client: ретраящий HTTP-клиент для downstream-модулей.
type Client struct {
	http     *http.Client
	opts     Options
	observer Observer
	logger   *zap.Logger

	mu     sync.Mutex
	guards map[string]*guard
}

func NewClient(httpClient *http.Client, opts Options, observer Observer, logger *zap.Logger) *Client {
	if httpClient == nil {
		// Таймаут задаётся на каждую попытку через контекст
		httpClient = &http.Client{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if opts.MaxErrorText <= 0 {
		opts.MaxErrorText = 500
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 1 << 20
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	return &Client{
		http:     httpClient,
		opts:     opts,
		observer: observer,
		logger:   logger.Named("module-client"),
		guards:   make(map[string]*guard),
	}
}

// URL склеивает base и path ровно через один слэш.
func URL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// bodyFunc открывает тело запроса заново для каждой попытки.
type bodyFunc func() (body io.ReadCloser, contentType string)

// PostJSON отправляет JSON-тело.
func (c *Client) PostJSON(ctx context.Context, call Call, payload any) (*Outcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("connectors: marshal %s payload: %w", call.Module, err)
	}
	return c.do(ctx, call, func() (io.ReadCloser, string) {
		return io.NopCloser(bytes.NewReader(body)), "application/json"
	})
}

// PostMultipart отправляет форму с бинарными частями.
// Файлы не буферизуются в памяти: каждая попытка стримит их с диска заново.
func (c *Client) PostMultipart(ctx context.Context, call Call, form Form) (*Outcome, error) {
	for _, fp := range form.Files {
		if _, err := os.Stat(fp.Path); err != nil {
			return nil, fmt.Errorf("connectors: build %s form: %w", call.Module, err)
		}
	}
	return c.do(ctx, call, func() (io.ReadCloser, string) {
		return streamForm(form)
	})
}

func (c *Client) do(ctx context.Context, call Call, open bodyFunc) (*Outcome, error) {
	start := time.Now()
	g := c.guard(call.Module)

	// 1. Rate Limiter
	if err := g.limiter.Wait(ctx); err != nil {
		c.observer.ObserveCall(call.Module, OutcomeTransportError, time.Since(start))
		return nil, &TransportError{Module: call.Module, URL: call.URL, Cause: fmt.Errorf("rate limit wait: %w", err)}
	}

	attempts := 0

	// 2. Circuit Breaker: считает только транспортные сбои, ответы 4xx/5xx для него успех
	res, err := g.cb.Execute(func() (interface{}, error) {
		var out *Outcome
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(uint(c.opts.Retries+1)),
			retry.Delay(c.opts.RetryBackoff),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
		)

		retryErr := r.Do(func() error {
			attempts++
			var callErr error
			out, callErr = c.attempt(ctx, call, open)
			if callErr != nil {
				c.logger.Debug("module call attempt failed",
					zap.String("module", call.Module),
					zap.String("session_id", call.SessionID),
					zap.Int("attempt", attempts),
					zap.Error(callErr))
			}
			return callErr
		})
		return out, retryErr
	})

	if err != nil {
		c.observer.ObserveCall(call.Module, OutcomeTransportError, time.Since(start))
		c.logger.Warn("module unreachable",
			zap.String("module", call.Module),
			zap.String("url", call.URL),
			zap.String("session_id", call.SessionID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return nil, &TransportError{Module: call.Module, URL: call.URL, Attempts: attempts, Cause: err}
	}

	out := res.(*Outcome)
	outcome := OutcomeOK
	if out.Err() != nil {
		outcome = OutcomeModuleError
	}
	c.observer.ObserveCall(call.Module, outcome, time.Since(start))
	return out, nil
}

// attempt: одна попытка с собственным таймаутом.
func (c *Client) attempt(ctx context.Context, call Call, open bodyFunc) (*Outcome, error) {
	tCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	// Закрытие тела останавливает пишущую горутину, если транспорт не дочитал его
	body, contentType := open()
	defer body.Close()

	req, err := http.NewRequestWithContext(tCtx, http.MethodPost, call.URL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if call.SessionID != "" {
		req.Header.Set(SessionHeader, call.SessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.readOutcome(call.Module, resp)
}

func (c *Client) readOutcome(module string, resp *http.Response) (*Outcome, error) {
	ct := resp.Header.Get("Content-Type")
	isJSON := strings.Contains(strings.ToLower(ct), "application/json")
	out := &Outcome{Module: module, StatusCode: resp.StatusCode, ContentType: ct}

	if resp.StatusCode >= 400 {
		// Тело ошибки читаем ограниченно: сломанный или враждебный модуль не должен раздувать память
		limit := int64(c.opts.MaxErrorText)
		if isJSON {
			limit = c.opts.MaxResponseBytes
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, limit))
		if isJSON {
			if obj, ok := decodeObject(data); ok {
				out.Body = obj
				return out, nil
			}
		}
		out.Text = truncateUTF8(string(data), c.opts.MaxErrorText)
		return out, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !isJSON {
		out.Body = map[string]any{"raw": string(data)}
		return out, nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode json response: %w", err)
	}
	if obj, ok := v.(map[string]any); ok {
		out.Body = obj
	} else {
		out.Body = map[string]any{"raw": v}
	}
	return out, nil
}

func (c *Client) guard(module string) *guard {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.guards[module]; ok {
		return g
	}

	maxFailures := c.opts.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        module,
		MaxRequests: c.opts.BreakerMaxRequests,
		Interval:    c.opts.BreakerInterval,
		Timeout:     c.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("module", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			c.observer.ObserveBreaker(name, to)
		},
	})

	limit := rate.Inf
	if c.opts.RateLimit > 0 {
		limit = rate.Limit(c.opts.RateLimit)
	}
	burst := c.opts.RateBurst
	if burst <= 0 {
		burst = 1
	}

	g := &guard{cb: cb, limiter: rate.NewLimiter(limit, burst)}
	c.guards[module] = g
	return g
}

// streamForm пишет форму в io.Pipe из отдельной горутины.
// Ошибка записи (например, файл исчез) всплывает у читателя, то есть в http.Client.
func streamForm(form Form) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	contentType := mw.FormDataContentType()
	go func() {
		pw.CloseWithError(writeForm(mw, form))
	}()
	return pr, contentType
}

func writeForm(mw *multipart.Writer, form Form) error {
	for k, v := range form.Fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}

	for _, fp := range form.Files {
		if err := writeFilePart(mw, fp); err != nil {
			return err
		}
	}

	return mw.Close()
}

func writeFilePart(mw *multipart.Writer, fp FilePart) error {
	f, err := os.Open(fp.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	ct := fp.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(fp.Field), escapeQuotes(fp.Filename)))
	h.Set("Content-Type", ct)

	w, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func decodeObject(data []byte) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// truncateUTF8 режет строку до max байт, не разрывая руну.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
