package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/John-Robertt/tmdbsync/internal/catalog"
)

const (
	// ErrCodeNotFound 表示 --config 指定的配置文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingAPIKey 表示非 dry-run 但没有提供 API key。
	ErrCodeMissingAPIKey = "config_missing_api_key"
)

const (
	// DefaultFileName 是 cwd 下自动发现的配置文件名（可选）。
	DefaultFileName = "tmdbsync.yaml"
	// EnvPrefix 是环境变量前缀：api.key -> TMDBSYNC_API_KEY。
	EnvPrefix = "TMDBSYNC"

	maxWorkers = 8
)

// defaults 同时定义了全部已知键；环境变量与 .env 只识别这些键。
var defaults = map[string]any{
	"api.key":                "",
	"api.base_url":           "https://api.themoviedb.org",
	"api.timeout":            "30s",
	"export.base_url":        "http://files.tmdb.org",
	"export.cache":           true,
	"categories":             []string{"movie"},
	"out_dir":                "data",
	"batch.size":             50,
	"batch.max":              0,
	"workers":                1,
	"retry.max_attempts":     3,
	"retry.rate_limit_delay": "1s",
	"retry.backoff":          "1s",
	"proxy.url":              "",
	"sink.driver":            "csv",
	"sink.dsn":               "",
	"lock.driver":            "file",
	"lock.ttl":               "10m",
	"redis.addr":             "",
	"redis.password":         "",
	"redis.db":               0,
	"log.level":              "info",
	"log.format":             "text",
	"dry_run":                false,
}

// flagKeys 把 CLI 参数名映射到配置键。
var flagKeys = map[string]string{
	"api-key":     "api.key",
	"category":    "categories",
	"out":         "out_dir",
	"batch-size":  "batch.size",
	"max-batches": "batch.max",
	"workers":     "workers",
	"sink":        "sink.driver",
	"dsn":         "sink.dsn",
	"lock":        "lock.driver",
	"log-level":   "log.level",
	"log-format":  "log.format",
	"dry-run":     "dry_run",
}

// RegisterFlags 在 fs 上注册 CLI 参数。未显式指定的参数不会覆盖其它来源。
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "配置文件路径（默认读取 ./"+DefaultFileName+"，不存在则忽略）")
	fs.String("api-key", "", "TMDB API key（也可用 TMDB_API_KEY / TMDBSYNC_API_KEY）")
	fs.StringSlice("category", nil, "要同步的类别，可重复或逗号分隔（默认 movie）")
	fs.String("out", "", "输出目录（默认 data）")
	fs.Int("batch-size", 0, "每批 ID 数（默认 50）")
	fs.Int("max-batches", 0, "每个类别最多处理的批次数（0 表示不限）")
	fs.Int("workers", 0, "并发抓取数（1-8，默认 1；总速率始终受限速器约束）")
	fs.String("sink", "", "输出后端：csv|sqlite|postgres")
	fs.String("dsn", "", "sqlite/postgres 的 DSN")
	fs.String("lock", "", "写入锁：file|redis|none")
	fs.String("log-level", "", "日志级别：debug|info|warn|error")
	fs.String("log-format", "", "日志格式：text|json")
	fs.Bool("dry-run", false, "只生成计划（下载 ID 全集并对比已有输出），不抓取详情、不写入")
}

// EffectiveConfig 是合并并规范化后的最终配置（只读；各组件在构造时接收）。
type EffectiveConfig struct {
	ConfigFile string

	APIKey         string
	APIBaseURL     string
	RequestTimeout time.Duration
	ExportBaseURL  string
	CacheExports   bool
	ProxyURL       string

	Categories []string
	OutDir     string

	BatchSize  int
	MaxBatches int
	Workers    int

	MaxAttempts    int
	RateLimitDelay time.Duration
	RetryBackoff   time.Duration

	SinkDriver string
	SinkDSN    string

	LockDriver    string
	LockTTL       time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel  logrus.Level
	LogFormat string

	DryRun bool
}

type fileConfig struct {
	API struct {
		Key     string        `mapstructure:"key"`
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"api"`
	Export struct {
		BaseURL string `mapstructure:"base_url"`
		Cache   bool   `mapstructure:"cache"`
	} `mapstructure:"export"`
	Categories []string `mapstructure:"categories"`
	OutDir     string   `mapstructure:"out_dir"`
	Batch      struct {
		Size int `mapstructure:"size"`
		Max  int `mapstructure:"max"`
	} `mapstructure:"batch"`
	Workers int `mapstructure:"workers"`
	Retry   struct {
		MaxAttempts    int           `mapstructure:"max_attempts"`
		RateLimitDelay time.Duration `mapstructure:"rate_limit_delay"`
		Backoff        time.Duration `mapstructure:"backoff"`
	} `mapstructure:"retry"`
	Proxy struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"proxy"`
	Sink struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"sink"`
	Lock struct {
		Driver string        `mapstructure:"driver"`
		TTL    time.Duration `mapstructure:"ttl"`
	} `mapstructure:"lock"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	DryRun bool `mapstructure:"dry_run"`
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingAPIKey:
		return fmt.Sprintf("%s：缺少 API key（--api-key / TMDB_API_KEY / api.key）", e.Code)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 合并各来源的配置。fs 可以为 nil（只用文件/环境/默认值）。
//
// 覆盖优先级（固定）：CLI 参数 > 环境变量 > <cwd>/.env > 配置文件 > 内置默认值。
//
// 配置文件发现：--config 指定时必须存在；否则读取 <cwd>/tmdbsync.yaml（可选）。
func LoadEffective(cwd string, fs *pflag.FlagSet) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("api.key", EnvPrefix+"_API_KEY", "TMDB_API_KEY")

	cfgPath, required := filepath.Join(cwdAbs, DefaultFileName), false
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && strings.TrimSpace(f.Value.String()) != "" {
			cfgPath, required = absCleanFrom(cwdAbs, f.Value.String()), true
		}
	}
	if err := readConfigFile(v, cfgPath, required); err != nil {
		return EffectiveConfig{}, err
	}

	// .env 位于配置文件之上、真实环境变量之下。
	if err := mergeDotEnv(v, filepath.Join(cwdAbs, ".env")); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: filepath.Join(cwdAbs, ".env"), Err: err}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
				}
			}
		}
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	eff, err := normalize(cwdAbs, fc)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if v.ConfigFileUsed() != "" {
		eff.ConfigFile = v.ConfigFileUsed()
	}
	if eff.APIKey == "" && !eff.DryRun {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingAPIKey, Path: cfgPath}
	}
	return eff, nil
}

func readConfigFile(v *viper.Viper, path string, required bool) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if required {
				return &Error{Code: ErrCodeNotFound, Path: path, Err: os.ErrNotExist}
			}
			return nil
		}
		return &Error{Code: ErrCodeInvalid, Path: path, Err: err}
	}
	if fi.IsDir() {
		return &Error{Code: ErrCodeInvalid, Path: path, Err: errors.New("配置路径是目录")}
	}
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return &Error{Code: ErrCodeInvalid, Path: path, Err: err}
	}
	return nil
}

// mergeDotEnv 读取 .env（不存在则忽略），只合并已知键，不修改进程环境变量。
func mergeDotEnv(v *viper.Viper, path string) error {
	vals, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	byEnv := make(map[string]string, len(defaults)+1)
	for k := range defaults {
		byEnv[envName(k)] = k
	}
	byEnv["TMDB_API_KEY"] = "api.key"

	over := map[string]any{}
	for name, val := range vals {
		key, ok := byEnv[name]
		if !ok {
			continue
		}
		if key == "categories" {
			over[key] = splitList(val)
			continue
		}
		over[key] = val
	}
	if len(over) == 0 {
		return nil
	}
	return v.MergeConfigMap(nest(over))
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// nest 把 "a.b"=>v 展开为 {"a":{"b":v}}，MergeConfigMap 需要嵌套结构。
func nest(flat map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range flat {
		parts := strings.Split(k, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = val
	}
	return out
}

func normalize(cwdAbs string, fc fileConfig) (EffectiveConfig, error) {
	eff := EffectiveConfig{
		APIKey:         strings.TrimSpace(fc.API.Key),
		APIBaseURL:     strings.TrimRight(strings.TrimSpace(fc.API.BaseURL), "/"),
		RequestTimeout: fc.API.Timeout,
		ExportBaseURL:  strings.TrimRight(strings.TrimSpace(fc.Export.BaseURL), "/"),
		CacheExports:   fc.Export.Cache,
		ProxyURL:       strings.TrimSpace(fc.Proxy.URL),
		OutDir:         absCleanFrom(cwdAbs, fc.OutDir),
		BatchSize:      fc.Batch.Size,
		MaxBatches:     fc.Batch.Max,
		Workers:        fc.Workers,
		MaxAttempts:    fc.Retry.MaxAttempts,
		RateLimitDelay: fc.Retry.RateLimitDelay,
		RetryBackoff:   fc.Retry.Backoff,
		SinkDriver:     strings.ToLower(strings.TrimSpace(fc.Sink.Driver)),
		SinkDSN:        strings.TrimSpace(fc.Sink.DSN),
		LockDriver:     strings.ToLower(strings.TrimSpace(fc.Lock.Driver)),
		LockTTL:        fc.Lock.TTL,
		RedisAddr:      strings.TrimSpace(fc.Redis.Addr),
		RedisPassword:  fc.Redis.Password,
		RedisDB:        fc.Redis.DB,
		LogFormat:      strings.ToLower(strings.TrimSpace(fc.Log.Format)),
		DryRun:         fc.DryRun,
	}

	for _, u := range []struct{ name, val string }{
		{"api.base_url", eff.APIBaseURL},
		{"export.base_url", eff.ExportBaseURL},
	} {
		if err := validateHTTPURL(u.name, u.val); err != nil {
			return EffectiveConfig{}, err
		}
	}
	if eff.ProxyURL != "" {
		if p, err := url.Parse(eff.ProxyURL); err != nil || p.Scheme == "" || p.Host == "" {
			return EffectiveConfig{}, fmt.Errorf("proxy.url 无效：%q", eff.ProxyURL)
		}
	}
	if eff.OutDir == "" {
		return EffectiveConfig{}, errors.New("out_dir 不能为空")
	}

	reg := catalog.Default()
	seen := map[string]bool{}
	for _, raw := range fc.Categories {
		for _, name := range splitList(raw) {
			c, ok := reg.Get(name)
			if !ok {
				return EffectiveConfig{}, fmt.Errorf("未知类别 %q（可选：%s）", name, strings.Join(reg.Names(), ", "))
			}
			if !seen[c.Name] {
				seen[c.Name] = true
				eff.Categories = append(eff.Categories, c.Name)
			}
		}
	}
	if len(eff.Categories) == 0 {
		return EffectiveConfig{}, errors.New("categories 不能为空")
	}

	if eff.BatchSize <= 0 {
		return EffectiveConfig{}, fmt.Errorf("batch.size 必须为正数：%d", eff.BatchSize)
	}
	if eff.MaxBatches < 0 {
		eff.MaxBatches = 0
	}
	// 并发范围 [1, 8]；超出截断。
	if eff.Workers < 1 {
		eff.Workers = 1
	}
	if eff.Workers > maxWorkers {
		eff.Workers = maxWorkers
	}
	if eff.MaxAttempts < 1 {
		return EffectiveConfig{}, fmt.Errorf("retry.max_attempts 必须 >= 1：%d", eff.MaxAttempts)
	}
	if eff.RateLimitDelay < 0 || eff.RetryBackoff < 0 || eff.RequestTimeout < 0 {
		return EffectiveConfig{}, errors.New("时间间隔不能为负数")
	}

	switch eff.SinkDriver {
	case "csv":
	case "sqlite", "postgres":
		if eff.SinkDSN == "" {
			return EffectiveConfig{}, fmt.Errorf("sink.driver=%s 需要 sink.dsn", eff.SinkDriver)
		}
	default:
		return EffectiveConfig{}, fmt.Errorf("sink.driver 只能是 csv/sqlite/postgres，实际是 %q", eff.SinkDriver)
	}

	switch eff.LockDriver {
	case "file", "none":
	case "redis":
		if eff.RedisAddr == "" {
			return EffectiveConfig{}, errors.New("lock.driver=redis 需要 redis.addr")
		}
	default:
		return EffectiveConfig{}, fmt.Errorf("lock.driver 只能是 file/redis/none，实际是 %q", eff.LockDriver)
	}

	lvl, err := logrus.ParseLevel(strings.TrimSpace(fc.Log.Level))
	if err != nil {
		return EffectiveConfig{}, fmt.Errorf("log.level 无效：%w", err)
	}
	eff.LogLevel = lvl
	if eff.LogFormat != "text" && eff.LogFormat != "json" {
		return EffectiveConfig{}, fmt.Errorf("log.format 只能是 text/json，实际是 %q", eff.LogFormat)
	}
	return eff, nil
}

func validateHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s 无效：%q", name, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s 必须是 http/https：%q", name, raw)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}
