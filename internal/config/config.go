// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string `yaml:"port"`     // APIサーバーのポート番号
	GinMode string `yaml:"gin_mode"` // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"` // CORS許可オリジン（カンマ区切り）

	// ファイル設定
	MaxFileSize int64  `yaml:"max_file_size"` // アップロード1件の最大サイズ（バイト）
	DataDir     string `yaml:"data_dir"`      // データ保存先のルート
	UploadDir   string `yaml:"upload_dir"`    // 変換待ちファイルの保存先
	OutputDir   string `yaml:"output_dir"`    // 変換結果の保存先

	// キュー設定
	MaxPagesPerChunk int  `yaml:"max_pages_per_chunk"` // 1チャンクあたりの最大ページ数
	HistoryLimit     int  `yaml:"history_limit"`       // 履歴APIの既定件数
	KeepaliveSeconds int  `yaml:"keepalive_seconds"`   // SSE keepalive の間隔（秒）
	ObserverBuffer   int  `yaml:"observer_buffer"`     // 購読者ごとのイベントバッファ
	RecoverOnStart   bool `yaml:"recover_on_start"`    // 起動時に前回の未完了ジョブを整理するか

	// ジョブ履歴設定
	JobStore          string `yaml:"job_store"`            // sqlite または redis
	DatabasePath      string `yaml:"database_path"`        // SQLite ファイルのパス
	QueueRedisURL     string `yaml:"queue_redis_url"`      // ジョブ履歴用Redis接続URL
	JobRecordTTLHours int    `yaml:"job_record_ttl_hours"` // Redis 上のジョブ記録の有効期限（時間、0 で無期限）
	NotifyRedisURL    string `yaml:"notify_redis_url"`     // 完了通知(Asynq)用Redis接続URL。空の場合は通知しない

	// 変換設定
	Converter     string  `yaml:"converter"`      // fitz または command
	ConverterPath string  `yaml:"converter_path"` // 外部変換コマンドのパス
	ImageDPI      float64 `yaml:"image_dpi"`      // fitz でのページ画像解像度

	// リモート取り込み設定
	RemoteInboxDir     string `yaml:"remote_inbox_dir"`     // 取り込み対象ディレクトリ。空の場合は無効
	RemoteDoneDir      string `yaml:"remote_done_dir"`      // 処理済みファイルの移動先
	RemoteResultsDir   string `yaml:"remote_results_dir"`   // 変換結果のアップロード先
	RemotePollSeconds  int    `yaml:"remote_poll_seconds"`  // ポーリング間隔（秒）
	RemoteWorkerQueue  string `yaml:"remote_worker_queue"`  // 完了通知を処理する Asynq キュー名
	RemoteWorkerEnable bool   `yaml:"remote_worker_enable"` // serve 内で Asynq ワーカーを起動するか

	// ログ設定
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json または console
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
// CONFIG_FILE が指定されている場合は YAML の値を既定値として使い、環境変数で上書きします。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	base := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, base); err != nil {
			return nil, err
		}
	}

	config := fromEnv(base)

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func defaults() *Config {
	return &Config{
		Port:               "8080",
		GinMode:            "debug",
		CORSAllowedOrigins: "http://localhost:5173",
		MaxFileSize:        209715200, // 200MB
		DataDir:            "./data",
		MaxPagesPerChunk:   5,
		HistoryLimit:       50,
		KeepaliveSeconds:   30,
		ObserverBuffer:     64,
		RecoverOnStart:     true,
		JobStore:           "sqlite",
		QueueRedisURL:      "redis://127.0.0.1:6379/0",
		Converter:          "fitz",
		ConverterPath:      "marker_single",
		ImageDPI:           150,
		RemotePollSeconds:  60,
		RemoteWorkerQueue:  "remote",
		RemoteWorkerEnable: true,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func fromEnv(base *Config) *Config {
	c := &Config{
		// サーバー設定
		Port:    getEnv("PORT", base.Port),
		GinMode: getEnv("GIN_MODE", base.GinMode),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", base.CORSAllowedOrigins),

		// ファイル設定
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", base.MaxFileSize),
		DataDir:     getEnv("DATA_DIR", base.DataDir),
		UploadDir:   getEnv("UPLOAD_DIR", base.UploadDir),
		OutputDir:   getEnv("OUTPUT_DIR", base.OutputDir),

		// キュー設定
		MaxPagesPerChunk: getEnvAsInt("MAX_PAGES_PER_CHUNK", base.MaxPagesPerChunk),
		HistoryLimit:     getEnvAsInt("HISTORY_LIMIT", base.HistoryLimit),
		KeepaliveSeconds: getEnvAsInt("KEEPALIVE_SECONDS", base.KeepaliveSeconds),
		ObserverBuffer:   getEnvAsInt("OBSERVER_BUFFER", base.ObserverBuffer),
		RecoverOnStart:   getEnvAsBool("RECOVER_ON_START", base.RecoverOnStart),

		// ジョブ履歴設定
		JobStore:          strings.ToLower(getEnv("JOB_STORE", base.JobStore)),
		DatabasePath:      getEnv("DATABASE_PATH", base.DatabasePath),
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", base.QueueRedisURL),
		JobRecordTTLHours: getEnvAsInt("JOB_RECORD_TTL_HOURS", base.JobRecordTTLHours),
		NotifyRedisURL:    getEnv("NOTIFY_REDIS_URL", base.NotifyRedisURL),

		// 変換設定
		Converter:     strings.ToLower(getEnv("CONVERTER", base.Converter)),
		ConverterPath: getEnv("CONVERTER_PATH", base.ConverterPath),
		ImageDPI:      getEnvAsFloat("IMAGE_DPI", base.ImageDPI),

		// リモート取り込み設定
		RemoteInboxDir:     getEnv("REMOTE_INBOX_DIR", base.RemoteInboxDir),
		RemoteDoneDir:      getEnv("REMOTE_DONE_DIR", base.RemoteDoneDir),
		RemoteResultsDir:   getEnv("REMOTE_RESULTS_DIR", base.RemoteResultsDir),
		RemotePollSeconds:  getEnvAsInt("REMOTE_POLL_SECONDS", base.RemotePollSeconds),
		RemoteWorkerQueue:  getEnv("REMOTE_WORKER_QUEUE", base.RemoteWorkerQueue),
		RemoteWorkerEnable: getEnvAsBool("REMOTE_WORKER_ENABLE", base.RemoteWorkerEnable),

		// ログ設定
		LogLevel:  getEnv("LOG_LEVEL", base.LogLevel),
		LogFormat: getEnv("LOG_FORMAT", base.LogFormat),
	}

	// DATA_DIR からの派生パス
	if c.UploadDir == "" {
		c.UploadDir = filepath.Join(c.DataDir, "uploads")
	}
	if c.OutputDir == "" {
		c.OutputDir = filepath.Join(c.DataDir, "outputs")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "doc-forge.db")
	}
	if c.RemoteInboxDir != "" {
		if c.RemoteDoneDir == "" {
			c.RemoteDoneDir = filepath.Join(c.RemoteInboxDir, "done")
		}
		if c.RemoteResultsDir == "" {
			c.RemoteResultsDir = filepath.Join(c.RemoteInboxDir, "results")
		}
	}
	return c
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxPagesPerChunk <= 0 {
		return fmt.Errorf("MAX_PAGES_PER_CHUNK must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	switch c.JobStore {
	case "sqlite":
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required for sqlite job store")
		}
	case "redis":
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required for redis job store")
		}
	default:
		return fmt.Errorf("unsupported JOB_STORE: %q", c.JobStore)
	}
	switch c.Converter {
	case "fitz":
	case "command":
		if c.ConverterPath == "" {
			return fmt.Errorf("CONVERTER_PATH is required for command converter")
		}
	default:
		return fmt.Errorf("unsupported CONVERTER: %q", c.Converter)
	}
	if c.GinMode == "release" && c.CORSAllowedOrigins == "" {
		return fmt.Errorf("CORS_ALLOWED_ORIGINS is required in release mode")
	}
	return nil
}

// KeepaliveInterval は SSE keepalive の間隔を返します。
func (c *Config) KeepaliveInterval() time.Duration {
	if c.KeepaliveSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

// RemotePollInterval はリモート取り込みのポーリング間隔を返します。
func (c *Config) RemotePollInterval() time.Duration {
	if c.RemotePollSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.RemotePollSeconds) * time.Second
}

// JobRecordTTL は Redis 上のジョブ記録の有効期限を返します。0 は無期限です。
func (c *Config) JobRecordTTL() time.Duration {
	if c.JobRecordTTLHours <= 0 {
		return 0
	}
	return time.Duration(c.JobRecordTTLHours) * time.Hour
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
