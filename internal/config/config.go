// Package config はリレーの実行時設定を読み込む。
//
// 設定は「既定値」「YAMLファイル（RELAY_CONFIG_FILE で指定）」「環境変数」の順に重ねて決まり、
// 後のものが優先される。起動時に Validate で一度だけ検証する。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 環境変数名。
const (
	EnvConfigFile       = "RELAY_CONFIG_FILE"
	EnvPort             = "PORT"
	EnvAllowedOrigins   = "CORS_ALLOWED_ORIGINS"
	EnvJWTSecret        = "JWT_SECRET"
	EnvStreamURL        = "RELAY_STREAM_URL"
	EnvStreamToken      = "RELAY_STREAM_TOKEN"
	EnvBackoffFloor     = "RELAY_BACKOFF_FLOOR"
	EnvBackoffCeiling   = "RELAY_BACKOFF_CEILING"
	EnvBackoffFactor    = "RELAY_BACKOFF_FACTOR"
	EnvDedupTTL         = "RELAY_DEDUP_TTL"
	EnvBatchSize        = "RELAY_PUSH_BATCH_SIZE"
	EnvConcurrency      = "RELAY_PUSH_CONCURRENCY"
	EnvSendTimeout      = "RELAY_PUSH_TIMEOUT"
	EnvFirebaseProject  = "FIREBASE_PROJECT_ID"
	EnvFirebaseCredFile = "FIREBASE_CREDENTIALS_FILE"
	EnvCleanupQueue     = "RELAY_CLEANUP_QUEUE_SIZE"
	EnvCleanupWorkers   = "RELAY_CLEANUP_WORKERS"
	EnvCleanupRate      = "RELAY_CLEANUP_RATE"
	EnvStoreDriver      = "RELAY_STORE_DRIVER"
	EnvStoreDSN         = "RELAY_STORE_DSN"
)

// maxBatchSize はプッシュプロバイダーの1回あたりの宛先数の上限。
const maxBatchSize = 500

// ErrInvalidConfig は設定値が不正な場合のエラー。
var ErrInvalidConfig = errors.New("設定値が不正です")

// Config はリレーの実行時設定。
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Stream  StreamConfig  `yaml:"stream"`
	Dedup   DedupConfig   `yaml:"dedup"`
	Push    PushConfig    `yaml:"push"`
	Cleanup CleanupConfig `yaml:"cleanup"`
	Store   StoreConfig   `yaml:"store"`
}

// HTTPConfig は配信先登録APIの設定。
type HTTPConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	JWTSecret      string   `yaml:"jwt_secret"`
}

// StreamConfig は上流ストリームへの接続設定。
type StreamConfig struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	BackoffFloor   time.Duration `yaml:"backoff_floor"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// DedupConfig は重複排除ウィンドウの設定。
type DedupConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// PushConfig はプッシュ通知の送信設定。
type PushConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	ProjectID       string        `yaml:"project_id"`
	CredentialsFile string        `yaml:"credentials_file"`
}

// CleanupConfig は無効な配信先の後片付けの設定。
type CleanupConfig struct {
	QueueSize     int     `yaml:"queue_size"`
	Workers       int     `yaml:"workers"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// StoreConfig は配信先ストアの設定。
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Default は既定値の設定を返す。
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:           "8090",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Stream: StreamConfig{
			BackoffFloor:   2 * time.Second,
			BackoffCeiling: 60 * time.Second,
			BackoffFactor:  1.5,
		},
		Dedup: DedupConfig{TTL: 20 * time.Second},
		Push: PushConfig{
			BatchSize:   maxBatchSize,
			Concurrency: 4,
			SendTimeout: 15 * time.Second,
		},
		Cleanup: CleanupConfig{
			QueueSize:     1024,
			Workers:       2,
			RatePerSecond: 20,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "leadrelay.db",
		},
	}
}

// Load は既定値にYAMLファイルと環境変数を重ねて設定を読み込む。
// 検証は行わないため、呼び出し元で Validate を呼ぶこと。
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv(EnvConfigFile)); path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile はYAMLファイルの内容を cfg に上書きする。ファイルに無い項目は変更しない。
func LoadFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %s: %w", path, err)
	}
	return nil
}

// lookupFunc は os.LookupEnv と同じシグネチャの環境変数参照関数。
type lookupFunc func(key string) (string, bool)

// applyEnv は設定されている環境変数で cfg を上書きする。
func applyEnv(cfg *Config, lookup lookupFunc) error {
	env := envReader{lookup: lookup}

	env.str(EnvPort, &cfg.HTTP.Port)
	env.list(EnvAllowedOrigins, &cfg.HTTP.AllowedOrigins)
	env.str(EnvJWTSecret, &cfg.HTTP.JWTSecret)

	env.str(EnvStreamURL, &cfg.Stream.URL)
	env.str(EnvStreamToken, &cfg.Stream.Token)
	env.duration(EnvBackoffFloor, &cfg.Stream.BackoffFloor)
	env.duration(EnvBackoffCeiling, &cfg.Stream.BackoffCeiling)
	env.number(EnvBackoffFactor, &cfg.Stream.BackoffFactor)

	env.duration(EnvDedupTTL, &cfg.Dedup.TTL)

	env.integer(EnvBatchSize, &cfg.Push.BatchSize)
	env.integer(EnvConcurrency, &cfg.Push.Concurrency)
	env.duration(EnvSendTimeout, &cfg.Push.SendTimeout)
	env.str(EnvFirebaseProject, &cfg.Push.ProjectID)
	env.str(EnvFirebaseCredFile, &cfg.Push.CredentialsFile)

	env.integer(EnvCleanupQueue, &cfg.Cleanup.QueueSize)
	env.integer(EnvCleanupWorkers, &cfg.Cleanup.Workers)
	env.number(EnvCleanupRate, &cfg.Cleanup.RatePerSecond)

	env.str(EnvStoreDriver, &cfg.Store.Driver)
	env.str(EnvStoreDSN, &cfg.Store.DSN)

	return errors.Join(env.errs...)
}

// envReader は環境変数を型ごとに読み取り、変換エラーを蓄積する。
type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (r *envReader) value(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.value(key); ok {
		*dst = v
	}
}

func (r *envReader) list(key string, dst *[]string) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s の値が整数ではありません: %q: %w", key, v, ErrInvalidConfig))
		return
	}
	*dst = n
}

func (r *envReader) number(key string, dst *float64) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s の値が数値ではありません: %q: %w", key, v, ErrInvalidConfig))
		return
	}
	*dst = f
}

// duration は "2s" のような期間表記と、ミリ秒単位の整数の両方を受け付ける。
func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s の値が期間ではありません: %q: %w", key, v, ErrInvalidConfig))
		return
	}
	*dst = d
}

// Validate は設定値を検証し、不正な項目をすべてまとめたエラーを返す。
func (c Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidConfig))
	}

	if c.Stream.URL == "" {
		invalid("%s は必須です", EnvStreamURL)
	} else if !strings.HasPrefix(c.Stream.URL, "http://") && !strings.HasPrefix(c.Stream.URL, "https://") {
		invalid("ストリームURLはhttpまたはhttpsで始まる必要があります: %q", c.Stream.URL)
	}
	if c.Stream.BackoffFloor <= 0 {
		invalid("再接続待機の最小値は正の値である必要があります: %s", c.Stream.BackoffFloor)
	}
	if c.Stream.BackoffCeiling < c.Stream.BackoffFloor {
		invalid("再接続待機の上限(%s)が最小値(%s)より小さい", c.Stream.BackoffCeiling, c.Stream.BackoffFloor)
	}
	if c.Stream.BackoffFactor <= 1 {
		invalid("再接続待機の倍率は1より大きい必要があります: %v", c.Stream.BackoffFactor)
	}
	if c.Dedup.TTL <= 0 {
		invalid("重複排除の有効期間は正の値である必要があります: %s", c.Dedup.TTL)
	}
	if c.Push.BatchSize < 1 || c.Push.BatchSize > maxBatchSize {
		invalid("バッチサイズは1以上%d以下である必要があります: %d", maxBatchSize, c.Push.BatchSize)
	}
	if c.Push.Concurrency < 1 {
		invalid("同時送信数は1以上である必要があります: %d", c.Push.Concurrency)
	}
	if c.Push.SendTimeout <= 0 {
		invalid("送信タイムアウトは正の値である必要があります: %s", c.Push.SendTimeout)
	}
	if c.Cleanup.QueueSize < 1 || c.Cleanup.Workers < 1 || c.Cleanup.RatePerSecond <= 0 {
		invalid("後片付けの設定が不正です: queue=%d workers=%d rate=%v",
			c.Cleanup.QueueSize, c.Cleanup.Workers, c.Cleanup.RatePerSecond)
	}
	switch strings.ToLower(c.Store.Driver) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
	default:
		invalid("未対応のストアドライバーです: %q", c.Store.Driver)
	}
	if c.HTTP.Port == "" {
		invalid("%s は必須です", EnvPort)
	}
	if c.HTTP.JWTSecret == "" {
		invalid("%s は必須です", EnvJWTSecret)
	}

	return errors.Join(errs...)
}
