package proj

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/northseadl/celerity"
)

// EnvPrefix prefixes environment overrides, e.g. CELERITY_BROKER_URL.
const EnvPrefix = "CELERITY"

// keyDelimiter replaces viper's "." so task names like "proj.tasks.add" can
// be used as map keys in task_routes and task_annotations.
const keyDelimiter = "::"

// Settings is the project configuration file.
type Settings struct {
	Namespace        string        `mapstructure:"namespace"`
	BrokerURL        string        `mapstructure:"broker_url" validate:"required"`
	ResultBackend    string        `mapstructure:"result_backend"`
	TaskSerializer   string        `mapstructure:"task_serializer" validate:"oneof=json yaml"`
	ResultSerializer string        `mapstructure:"result_serializer" validate:"oneof=json yaml"`
	AcceptContent    []string      `mapstructure:"accept_content" validate:"min=1,dive,required"`
	Timezone         string        `mapstructure:"timezone" validate:"required,timezone"`
	ResultExpires    time.Duration `mapstructure:"result_expires" validate:"gte=0"`

	DefaultQueue string                        `mapstructure:"task_default_queue" validate:"required"`
	Routes       map[string]string             `mapstructure:"task_routes" validate:"dive,required"`
	Annotations  map[string]AnnotationSettings `mapstructure:"task_annotations" validate:"dive"`
	BeatSchedule map[string]BeatSettings       `mapstructure:"beat_schedule" validate:"dive"`

	Worker      WorkerSettings      `mapstructure:"worker"`
	Beat        BeatLeaderSettings  `mapstructure:"beat"`
	Log         LogSettings         `mapstructure:"log"`
	Idempotency IdempotencySettings `mapstructure:"idempotency"`
}

type AnnotationSettings struct {
	RateLimit string `mapstructure:"rate_limit"`
	Queue     string `mapstructure:"queue"`
}

// BeatSettings is one beat_schedule entry.
type BeatSettings struct {
	Task     string         `mapstructure:"task" validate:"required"`
	Schedule string         `mapstructure:"schedule" validate:"required"`
	Args     []any          `mapstructure:"args"`
	Kwargs   map[string]any `mapstructure:"kwargs"`
	Queue    string         `mapstructure:"queue"`
	Expires  time.Duration  `mapstructure:"expires"`
}

type WorkerSettings struct {
	Concurrency       int           `mapstructure:"concurrency" validate:"gte=1"`
	SendTaskEvents    bool          `mapstructure:"send_task_events"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	Group             string        `mapstructure:"group"`
	MaxRedeliveries   int           `mapstructure:"max_redeliveries" validate:"gte=0"`
}

type BeatLeaderSettings struct {
	LeaderLockKey string        `mapstructure:"leader_lock_key"`
	LeaderTTL     time.Duration `mapstructure:"leader_ttl" validate:"gte=0"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type IdempotencySettings struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

func newViper(path string) *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	// every key has a default so AutomaticEnv overrides reach Unmarshal
	v.SetDefault("namespace", "")
	v.SetDefault("broker_url", "redis://localhost:6379/0")
	v.SetDefault("result_backend", "redis://localhost:6379/1")
	v.SetDefault("task_serializer", celerity.SerializerJSON)
	v.SetDefault("result_serializer", celerity.SerializerJSON)
	v.SetDefault("accept_content", []string{celerity.SerializerJSON})
	v.SetDefault("timezone", "UTC")
	v.SetDefault("result_expires", time.Hour)
	v.SetDefault("task_default_queue", "celery")
	v.SetDefault("worker::concurrency", 4)
	v.SetDefault("worker::heartbeat_interval", 5*time.Second)
	v.SetDefault("worker::send_task_events", false)
	v.SetDefault("worker::group", "workers")
	v.SetDefault("worker::max_redeliveries", 3)
	v.SetDefault("beat::leader_lock_key", "")
	v.SetDefault("beat::leader_ttl", 10*time.Second)
	v.SetDefault("idempotency::redis_addr", "")
	v.SetDefault("idempotency::ttl", 24*time.Hour)
	v.SetDefault("log::level", "info")
	v.SetDefault("log::format", "console")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("celeryconfig")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	return v
}

// Load reads .env, the config file and CELERITY_* environment variables, in
// increasing precedence. With an empty path configs/celeryconfig.yaml is
// looked up; a missing file is not an error then.
func Load(path string) (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsToDuration reads bare numbers, and numeric strings from the
// environment, as seconds: result_expires: 3600 is an hour.
func secondsToDuration(from, to reflect.Type, data any) (any, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
	case reflect.String:
		if f, err := strconv.ParseFloat(strings.TrimSpace(data.(string)), 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
	}
	return data, nil
}

func decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDuration,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&s, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that schedules and URLs parse.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name, e := range s.BeatSchedule {
		if _, err := celerity.ParseSchedule(e.Schedule); err != nil {
			return fmt.Errorf("invalid config: beat_schedule %s: %w", name, err)
		}
	}
	if _, err := celerity.ParseBrokerURL(s.BrokerURL); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := celerity.ParseBackendURL(s.ResultBackend); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Config converts settings to the library configuration.
func (s *Settings) Config() (celerity.Config, error) {
	broker, err := celerity.ParseBrokerURL(s.BrokerURL)
	if err != nil {
		return celerity.Config{}, err
	}
	broker.Concurrency = s.Worker.Concurrency
	broker.Retry.MaxRetries = s.Worker.MaxRedeliveries
	backend, err := celerity.ParseBackendURL(s.ResultBackend)
	if err != nil {
		return celerity.Config{}, err
	}
	cfg := celerity.Config{
		Namespace:        s.Namespace,
		Broker:           broker,
		Backend:          backend,
		TaskSerializer:   s.TaskSerializer,
		ResultSerializer: s.ResultSerializer,
		AcceptContent:    s.AcceptContent,
		Timezone:         s.Timezone,
		ResultExpires:    s.ResultExpires,
		DefaultQueue:     s.DefaultQueue,
		Routes:           s.Routes,
		Worker: celerity.WorkerConfig{
			SendTaskEvents:    s.Worker.SendTaskEvents,
			HeartbeatInterval: s.Worker.HeartbeatInterval,
			Group:             s.Worker.Group,
		},
		Beat: celerity.BeatConfig{
			Schedule:      s.BeatEntries(),
			LeaderLockKey: s.Beat.LeaderLockKey,
			LeaderTTL:     s.Beat.LeaderTTL,
		},
		Logger: celerity.LoggerConfig{Level: s.Log.Level, Format: s.Log.Format},
		Idempotency: celerity.IdempotencyConfig{
			RedisAddr: s.Idempotency.RedisAddr,
			TTL:       s.Idempotency.TTL,
		},
	}
	if len(s.Annotations) > 0 {
		cfg.Annotations = make(map[string]celerity.TaskAnnotation, len(s.Annotations))
		for name, a := range s.Annotations {
			cfg.Annotations[name] = celerity.TaskAnnotation{RateLimit: a.RateLimit, Queue: a.Queue}
		}
	}
	return cfg, nil
}

// BeatEntries returns beat_schedule sorted by entry name.
func (s *Settings) BeatEntries() []celerity.BeatEntry {
	names := make([]string, 0, len(s.BeatSchedule))
	for n := range s.BeatSchedule {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]celerity.BeatEntry, 0, len(names))
	for _, n := range names {
		e := s.BeatSchedule[n]
		out = append(out, celerity.BeatEntry{
			Name:     n,
			Task:     e.Task,
			Schedule: e.Schedule,
			Args:     e.Args,
			Kwargs:   e.Kwargs,
			Queue:    e.Queue,
			Expires:  e.Expires,
		})
	}
	return out
}

// Watch calls fn with the new settings whenever the config file changes.
// Invalid edits are reported to onErr and skipped. Nothing is reported once
// ctx is done.
func Watch(ctx context.Context, path string, fn func(*Settings), onErr func(error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil || (!e.Has(fsnotify.Write) && !e.Has(fsnotify.Create)) {
			return
		}
		s, err := decode(v)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(s)
	})
	v.WatchConfig()
	return nil
}
