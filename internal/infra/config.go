package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
)

// Config: корневая структура конфигурации оркестратора.
// Собирается один раз при старте и дальше передаётся по указателю, никто её не меняет.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Modules  ModulesConfig  `mapstructure:"modules"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Proof    ProofConfig    `mapstructure:"proof"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки входящего HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr возвращает адрес для net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Endpoint: базовый URL модуля и путь метода.
type Endpoint struct {
	BaseURL string `mapstructure:"base_url"`
	Path    string `mapstructure:"path"`
}

// ChallengeConfig: у challenge-движка два метода, start и validate.
type ChallengeConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	StartPath    string `mapstructure:"start_path"`
	ValidatePath string `mapstructure:"validate_path"`
}

// ModulesConfig: адреса downstream-модулей.
type ModulesConfig struct {
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Face      Endpoint        `mapstructure:"face"`
	Voice     Endpoint        `mapstructure:"voice"`
	Lipsync   Endpoint        `mapstructure:"lipsync"`
	VSR       Endpoint        `mapstructure:"vsr"`
	Fusion    Endpoint        `mapstructure:"fusion"`
}

// HTTPConfig: поведение исходящего клиента.
type HTTPConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	Retries          int           `mapstructure:"retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	MaxErrorText     int           `mapstructure:"max_error_text"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	RateLimit        float64       `mapstructure:"rate_limit"` // запросов в секунду на модуль
	RateBurst        int           `mapstructure:"rate_burst"`
}

// BreakerConfig: настройки Circuit Breaker для каждого модуля.
type BreakerConfig struct {
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxFailures uint32        `mapstructure:"max_failures"`
}

// LimitsConfig: потолки размеров медиа, в мегабайтах.
type LimitsConfig struct {
	MaxVideoMB int64 `mapstructure:"max_video_mb"`
	MaxAudioMB int64 `mapstructure:"max_audio_mb"`
}

func (l LimitsConfig) MaxVideoBytes() int64 { return l.MaxVideoMB * 1024 * 1024 }
func (l LimitsConfig) MaxAudioBytes() int64 { return l.MaxAudioMB * 1024 * 1024 }

// StorageConfig: корни плоского хранилища доказательств.
type StorageConfig struct {
	SessionsDir string `mapstructure:"sessions_dir"`
	ProofsDir   string `mapstructure:"proofs_dir"`
	AuditDir    string `mapstructure:"audit_dir"`
}

// PipelineConfig: параметры конвейера.
type PipelineConfig struct {
	MaxFlags int `mapstructure:"max_flags"`
	// ParallelPrecheck запускает challenge и face одновременно
	ParallelPrecheck bool `mapstructure:"parallel_precheck"`
	JournalBuffer    int  `mapstructure:"journal_buffer"`
}

// ProofConfig: подпись пруфов (RS256). Без ключа пруфы не подписываются.
type ProofConfig struct {
	SigningKeyPath string `mapstructure:"signing_key_path"`
	Issuer         string `mapstructure:"issuer"`
	SigningKey     []byte
}

// RedisConfig: уведомления о готовых пруфах. Пустой Addr отключает нотификатор.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// legacyEnv: имена переменных окружения первой версии сервиса.
// Оставлены для совместимости со старыми deployment-манифестами.
var legacyEnv = map[string]string{
	"modules.challenge.base_url":      "CHALLENGE_BASE_URL",
	"modules.challenge.start_path":    "CHALLENGE_START_PATH",
	"modules.challenge.validate_path": "CHALLENGE_VALIDATE_PATH",
	"modules.face.base_url":           "FACE_BASE_URL",
	"modules.face.path":               "FACE_VERIFY_PATH",
	"modules.voice.base_url":          "VOICE_BASE_URL",
	"modules.voice.path":              "VOICE_VERIFY_PATH",
	"modules.lipsync.base_url":        "LIPSYNC_BASE_URL",
	"modules.lipsync.path":            "LIPSYNC_VALIDATE_PATH",
	"modules.vsr.base_url":            "VSR_BASE_URL",
	"modules.vsr.path":                "VSR_VALIDATE_PATH",
	"modules.fusion.base_url":         "FUSION_BASE_URL",
	"modules.fusion.path":             "FUSION_EVALUATE_PATH",
	"http.retries":                    "HTTP_RETRIES",
	"limits.max_video_mb":             "MAX_VIDEO_MB",
	"limits.max_audio_mb":             "MAX_AUDIO_MB",
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// Пустой path: поиск config.yaml в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		// Явно указанный файл обязан существовать
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV: MODULES_FACE_BASE_URL перекроет modules.face.base_url
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, legacy := range legacyEnv {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// HTTP_TIMEOUT_S из первой версии задавался в секундах дробным числом
	if raw := os.Getenv("HTTP_TIMEOUT_S"); raw != "" && os.Getenv("HTTP_TIMEOUT") == "" {
		if d, err := time.ParseDuration(strings.TrimSpace(raw) + "s"); err == nil {
			cfg.HTTP.Timeout = d
		}
	}

	// 6. Ключ подписи: PEM прямо в ENV (Docker/K8s) или файл по пути из конфига
	key, err := loadKeyResource(cfg.Proof.SigningKeyPath, "PROOF_SIGNING_KEY_DATA")
	if err != nil {
		return nil, err
	}
	cfg.Proof.SigningKey = key

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default возвращает конфигурацию только из дефолтов. Удобно для тестов.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 180*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("modules.challenge.base_url", "http://127.0.0.1:5012")
	v.SetDefault("modules.challenge.start_path", "/api/challenge/start")
	v.SetDefault("modules.challenge.validate_path", "/api/challenge/validate")
	v.SetDefault("modules.face.base_url", "http://127.0.0.1:5011")
	v.SetDefault("modules.face.path", "/api/face/verify")
	v.SetDefault("modules.voice.base_url", "http://127.0.0.1:5011")
	v.SetDefault("modules.voice.path", "/api/voice/verify")
	v.SetDefault("modules.lipsync.base_url", "http://127.0.0.1:5013")
	v.SetDefault("modules.lipsync.path", "/api/lipsync/validate")
	v.SetDefault("modules.vsr.base_url", "http://127.0.0.1:5014")
	v.SetDefault("modules.vsr.path", "/api/vsr/validate")
	v.SetDefault("modules.fusion.base_url", "http://127.0.0.1:5015")
	v.SetDefault("modules.fusion.path", "/api/fusion/evaluate")

	v.SetDefault("http.timeout", 25*time.Second)
	v.SetDefault("http.retries", 1)
	v.SetDefault("http.retry_backoff", 50*time.Millisecond)
	v.SetDefault("http.max_error_text", 500)
	v.SetDefault("http.max_response_bytes", 1<<20)
	v.SetDefault("http.rate_limit", 50.0)
	v.SetDefault("http.rate_burst", 10)

	v.SetDefault("breaker.max_requests", 3)
	v.SetDefault("breaker.interval", 30*time.Second)
	v.SetDefault("breaker.timeout", 30*time.Second)
	v.SetDefault("breaker.max_failures", 5)

	v.SetDefault("limits.max_video_mb", 50)
	v.SetDefault("limits.max_audio_mb", 15)

	v.SetDefault("storage.sessions_dir", "./sessions")
	v.SetDefault("storage.proofs_dir", "./proofs")
	v.SetDefault("storage.audit_dir", "./audit")

	v.SetDefault("pipeline.max_flags", 20)
	v.SetDefault("pipeline.parallel_precheck", false)
	v.SetDefault("pipeline.journal_buffer", 1000)

	v.SetDefault("proof.signing_key_path", "")
	v.SetDefault("proof.issuer", "veritas-orchestrator")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate проверяет инварианты, без которых сервис не должен стартовать.
func (c *Config) Validate() error {
	if c.HTTP.Retries < 0 {
		return fmt.Errorf("config: http.retries must be >= 0, got %d", c.HTTP.Retries)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("config: http.timeout must be positive")
	}
	if c.Limits.MaxVideoMB <= 0 || c.Limits.MaxAudioMB <= 0 {
		return fmt.Errorf("config: size limits must be positive")
	}
	if c.Pipeline.MaxFlags <= 0 {
		return fmt.Errorf("config: pipeline.max_flags must be positive")
	}
	if c.Storage.SessionsDir == "" || c.Storage.ProofsDir == "" {
		return fmt.Errorf("config: storage directories are required")
	}
	return nil
}

// loadKeyResource: сначала PEM из ENV, иначе файл по пути из конфига.
// Путь задан, но файл не читается: это ошибка, а не тихий переход на неподписанные пруфы.
func loadKeyResource(path string, envDataKey string) ([]byte, error) {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data), nil
	}
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}
	return data, nil
}

// Refs: адреса модулей в виде, который фиксируется в пруфе.
func (m ModulesConfig) Refs() domain.ModuleRefs {
	return domain.ModuleRefs{
		"challenge": {BaseURL: m.Challenge.BaseURL, Paths: map[string]string{
			"start":    m.Challenge.StartPath,
			"validate": m.Challenge.ValidatePath,
		}},
		"face":    {BaseURL: m.Face.BaseURL, Paths: map[string]string{"verify": m.Face.Path}},
		"voice":   {BaseURL: m.Voice.BaseURL, Paths: map[string]string{"verify": m.Voice.Path}},
		"lipsync": {BaseURL: m.Lipsync.BaseURL, Paths: map[string]string{"validate": m.Lipsync.Path}},
		"vsr":     {BaseURL: m.VSR.BaseURL, Paths: map[string]string{"validate": m.VSR.Path}},
		"fusion":  {BaseURL: m.Fusion.BaseURL, Paths: map[string]string{"evaluate": m.Fusion.Path}},
	}
}
