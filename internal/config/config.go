// Package config loads server settings from defaults, an optional YAML
// file, the environment and command-line flags, in that order of
// precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen    string        `yaml:"listen"`
	StaticDir string        `yaml:"staticDir"`
	Log       LogConfig     `yaml:"log"`
	Agent     AgentConfig   `yaml:"agent"`
	ICE       ICEConfig     `yaml:"ice"`
	Task      TaskConfig    `yaml:"task"`
	Prompt    PromptConfig  `yaml:"prompt"`
	Session   SessionConfig `yaml:"session"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AgentConfig points at the media proxy that fronts the LLM.
type AgentConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"apiKey"`
	Model    string `yaml:"model"`
}

type ICEConfig struct {
	Servers []ICEServer `yaml:"servers"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type TaskConfig struct {
	ReminderInterval time.Duration `yaml:"reminderInterval"`
	RecordDuration   time.Duration `yaml:"recordDuration"`
	RecordDir        string        `yaml:"recordDir"`
}

type PromptConfig struct {
	// File holds prompt overrides. It is watched and reloaded on change.
	File string `yaml:"file"`
}

type SessionConfig struct {
	// MaxSessions of 0 means unlimited.
	MaxSessions int `yaml:"maxSessions"`
	HistorySize int `yaml:"historySize"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Listen: ":3001",
		Log:    LogConfig{Level: "info", Format: "text"},
		Task: TaskConfig{
			ReminderInterval: 2 * time.Second,
			RecordDuration:   5 * time.Second,
			RecordDir:        "recordings",
		},
		Session: SessionConfig{HistorySize: 32},
	}
}

// Load builds the configuration for a process started with args (without
// the program name). A .env file in the working directory is loaded into
// the environment when present; variables already set are not overridden.
func Load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("home-sentinel", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	opts := bindFlags(flags)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "Usage of home-sentinel:")
			flags.SetOutput(os.Stderr)
			flags.PrintDefaults()
		}
		return nil, err
	}

	cfg := Default()
	if opts.configFile != "" {
		if err := cfg.loadFile(opts.configFile); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	opts.apply(flags, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables. lookup is os.LookupEnv outside
// tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN", &c.Listen)
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Listen = ":" + v
	}
	str("STATIC_DIR", &c.StaticDir)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("AGENT_ENDPOINT", &c.Agent.Endpoint)
	str("GEMINI_KEY", &c.Agent.APIKey)
	str("AGENT_MODEL", &c.Agent.Model)
	str("PROMPT_FILE", &c.Prompt.File)
	str("RECORD_DIR", &c.Task.RecordDir)

	if v, ok := lookup("ICE_SERVERS"); ok && v != "" {
		c.ICE.Servers = []ICEServer{{URLs: strings.Split(v, ",")}}
	}
	if v, ok := lookup("MAX_SESSIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_SESSIONS: %w", err)
		}
		c.Session.MaxSessions = n
	}
	for key, dst := range map[string]*time.Duration{
		"TASK_REMINDER_INTERVAL": &c.Task.ReminderInterval,
		"TASK_RECORD_DURATION":   &c.Task.RecordDuration,
	} {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	if c.Task.ReminderInterval <= 0 {
		return fmt.Errorf("task.reminderInterval must be positive, got %s", c.Task.ReminderInterval)
	}
	if c.Task.RecordDuration < 0 {
		return fmt.Errorf("task.recordDuration must not be negative, got %s", c.Task.RecordDuration)
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.maxSessions must not be negative, got %d", c.Session.MaxSessions)
	}
	if c.Session.HistorySize <= 0 {
		return fmt.Errorf("session.historySize must be positive, got %d", c.Session.HistorySize)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

type flagValues struct {
	configFile       string
	listen           string
	staticDir        string
	logLevel         string
	logFormat        string
	agentEndpoint    string
	agentModel       string
	promptFile       string
	recordDir        string
	maxSessions      int
	reminderInterval time.Duration
	recordDuration   time.Duration
}

func bindFlags(flags *pflag.FlagSet) *flagValues {
	v := &flagValues{}
	flags.StringVarP(&v.configFile, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&v.listen, "listen", "", "HTTP listen address")
	flags.StringVar(&v.staticDir, "static-dir", "", "directory served at /")
	flags.StringVar(&v.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&v.logFormat, "log-format", "", "text or json")
	flags.StringVar(&v.agentEndpoint, "agent-endpoint", "", "media proxy URL for the LLM agent")
	flags.StringVar(&v.agentModel, "agent-model", "", "model requested from the agent backend")
	flags.StringVar(&v.promptFile, "prompt-file", "", "YAML prompt overrides, reloaded on change")
	flags.StringVar(&v.recordDir, "record-dir", "", "directory for task completion recordings")
	flags.IntVar(&v.maxSessions, "max-sessions", 0, "maximum concurrent sessions (0 = unlimited)")
	flags.DurationVar(&v.reminderInterval, "reminder-interval", 0, "interval between task reminders")
	flags.DurationVar(&v.recordDuration, "record-duration", 0, "length of completion recordings (0 disables)")
	return v
}

// apply copies only the flags given on the command line.
func (v *flagValues) apply(flags *pflag.FlagSet, c *Config) {
	set := func(name string, fn func()) {
		if flags.Changed(name) {
			fn()
		}
	}
	set("listen", func() { c.Listen = v.listen })
	set("static-dir", func() { c.StaticDir = v.staticDir })
	set("log-level", func() { c.Log.Level = v.logLevel })
	set("log-format", func() { c.Log.Format = v.logFormat })
	set("agent-endpoint", func() { c.Agent.Endpoint = v.agentEndpoint })
	set("agent-model", func() { c.Agent.Model = v.agentModel })
	set("prompt-file", func() { c.Prompt.File = v.promptFile })
	set("record-dir", func() { c.Task.RecordDir = v.recordDir })
	set("max-sessions", func() { c.Session.MaxSessions = v.maxSessions })
	set("reminder-interval", func() { c.Task.ReminderInterval = v.reminderInterval })
	set("record-duration", func() { c.Task.RecordDuration = v.recordDuration })
}
