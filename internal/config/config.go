// Package config はアプリケーションの設定を管理します
// 環境変数から設定を読み込み、デフォルト値を提供します
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ログ出力形式
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr       string   `env:"API_ADDR" envDefault:":3000"`           // APIサーバーのリッスンアドレス
	AllowedOrigin []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","` // CORSで許可するオリジン一覧（空なら全て許可）
	LogLevel      string   `env:"LOG_LEVEL" envDefault:"info"`           // debug / info / warn / error
	LogFormat     string   `env:"LOG_FORMAT" envDefault:"text"`          // text / json

	WS WebSocketConfig

	RedisAddr       string        `env:"REDIS_ADDR"`                        // Redisの接続先（空ならプレゼンスのミラーを無効化）
	PresenceTTL     time.Duration `env:"PRESENCE_TTL" envDefault:"2m"`      // プレゼンスキーの有効期限
	PresenceRefresh time.Duration `env:"PRESENCE_REFRESH" envDefault:"30s"` // プレゼンスキーのTTL延長間隔
	PresenceQueue   int           `env:"PRESENCE_QUEUE" envDefault:"1024"`  // プレゼンス更新キューの長さ

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"` // Graceful Shutdownのタイムアウト
}

// WebSocketConfig はWebSocket接続ごとの設定です
type WebSocketConfig struct {
	PingInterval    time.Duration `env:"WS_PING_INTERVAL" envDefault:"25s"`      // サーバーからのping間隔
	PongTimeout     time.Duration `env:"WS_PONG_TIMEOUT" envDefault:"60s"`       // 応答がない場合に切断するまでの時間
	WriteTimeout    time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`      // 1回の書き込みのタイムアウト
	MaxMessageBytes int64         `env:"WS_MAX_MESSAGE_BYTES" envDefault:"65536"` // 受信メッセージの最大サイズ
	SendQueue       int           `env:"WS_SEND_QUEUE" envDefault:"256"`         // 接続ごとの送信キューの長さ
	EventsPerSecond float64       `env:"WS_MAX_EVENTS_PER_SEC" envDefault:"50"`  // 接続ごとの受信イベント数の上限（毎秒）
	EventBurst      int           `env:"WS_EVENT_BURST" envDefault:"100"`        // 瞬間的に許容する受信イベント数
}

// Load は環境変数から設定を読み込みます
// 環境変数が設定されていない場合はデフォルト値を使用します
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom は指定したマップから設定を読み込みます（nilの場合は環境変数）
func LoadFrom(environment map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.AllowedOrigin = trimAll(cfg.AllowedOrigin)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate は設定値の妥当性を確認します
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIAddr) == "" {
		errs = append(errs, errors.New("API_ADDR must not be empty"))
	}
	if c.WS.PingInterval <= 0 {
		errs = append(errs, errors.New("WS_PING_INTERVAL must be positive"))
	}
	if c.WS.PongTimeout <= c.WS.PingInterval {
		errs = append(errs, errors.New("WS_PONG_TIMEOUT must be greater than WS_PING_INTERVAL"))
	}
	if c.WS.WriteTimeout <= 0 {
		errs = append(errs, errors.New("WS_WRITE_TIMEOUT must be positive"))
	}
	if c.WS.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("WS_MAX_MESSAGE_BYTES must be positive"))
	}
	if c.WS.SendQueue <= 0 {
		errs = append(errs, errors.New("WS_SEND_QUEUE must be positive"))
	}
	if c.WS.EventsPerSecond <= 0 || c.WS.EventBurst <= 0 {
		errs = append(errs, errors.New("WS_MAX_EVENTS_PER_SEC and WS_EVENT_BURST must be positive"))
	}
	if c.PresenceTTL <= 0 || c.PresenceRefresh <= 0 || c.PresenceRefresh >= c.PresenceTTL {
		errs = append(errs, errors.New("PRESENCE_REFRESH must be positive and shorter than PRESENCE_TTL"))
	}
	if c.PresenceQueue <= 0 {
		errs = append(errs, errors.New("PRESENCE_QUEUE must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// PresenceEnabled はRedisへのプレゼンスミラーが有効かを返します
func (c Config) PresenceEnabled() bool {
	return c.RedisAddr != ""
}

// NewLogger は設定に従ってslogのロガーを作成します
func NewLogger(c Config, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch c.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	return slog.New(handler), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q", s)
	}
	return level, nil
}

// trimAll は前後の空白を削除し、空の要素を取り除きます
func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
