package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultSystemPrompt = "You are a helpful AI assistant booking doctor appointments."
	DefaultGreetings    = "Hello! Thank you for joining. I'm here to help you book a doctor's appointment.|" +
		"May I know which doctor or type of appointment you are looking for today?"
)

// Config contains runtime configuration and vendor selection for both the
// agent process and the supervisor.
type Config struct {
	LiveKitURL       string `mapstructure:"livekit_url"`
	LiveKitAPIKey    string `mapstructure:"livekit_api_key"`
	LiveKitAPISecret string `mapstructure:"livekit_api_secret"`

	// Room and Identity are the agent's startup parameters.
	Room     string `mapstructure:"room"`
	Identity string `mapstructure:"identity"`

	// Vendor keys: "openai", "ollama", "piper"
	LLMVendor      string `mapstructure:"llm_vendor"`
	TTSVendor      string `mapstructure:"tts_vendor"`
	AnnounceVendor string `mapstructure:"announce_vendor"`

	OpenAIAPIKey   string `mapstructure:"openai_api_key"`
	OpenAIBaseURL  string `mapstructure:"openai_base_url"`
	OpenAIModel    string `mapstructure:"openai_model"`
	OpenAITTSModel string `mapstructure:"openai_tts_model"`
	TTSVoice       string `mapstructure:"tts_voice"`
	OllamaEndpoint string `mapstructure:"ollama_endpoint"`
	OllamaModel    string `mapstructure:"ollama_model"`
	PiperEndpoint  string `mapstructure:"piper_endpoint"`

	FFmpegPath string `mapstructure:"ffmpeg_path"`
	WorkDir    string `mapstructure:"work_dir"`

	ResponderTimeout time.Duration `mapstructure:"responder_timeout"`
	SynthesisTimeout time.Duration `mapstructure:"synthesis_timeout"`
	CodecTimeout     time.Duration `mapstructure:"codec_timeout"`
	AnnounceTimeout  time.Duration `mapstructure:"announce_timeout"`

	SystemPrompt string   `mapstructure:"system_prompt"`
	GreetingsRaw string   `mapstructure:"greetings"`
	Greetings    []string `mapstructure:"-"`

	DatabasePath string `mapstructure:"database_path"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Supervisor settings.
	HTTPAddress    string        `mapstructure:"http_address"`
	GinMode        string        `mapstructure:"gin_mode"`
	AgentBinary    string        `mapstructure:"agent_binary"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	HealthGrace    time.Duration `mapstructure:"health_grace"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("livekit_url", "")
	v.SetDefault("livekit_api_key", "")
	v.SetDefault("livekit_api_secret", "")
	v.SetDefault("room", "")
	v.SetDefault("identity", "assistant-bot")

	v.SetDefault("llm_vendor", "openai")
	v.SetDefault("tts_vendor", "openai")
	v.SetDefault("announce_vendor", "")

	v.SetDefault("openai_api_key", "")
	v.SetDefault("openai_base_url", "")
	v.SetDefault("openai_model", "gpt-4o-mini")
	v.SetDefault("openai_tts_model", "gpt-4o-mini-tts")
	v.SetDefault("tts_voice", "alloy")
	v.SetDefault("ollama_endpoint", "http://localhost:11434/api/chat")
	v.SetDefault("ollama_model", "tinyllama")
	v.SetDefault("piper_endpoint", "http://localhost:7071/tts")

	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("work_dir", filepath.Join(os.TempDir(), "voice-agent"))

	v.SetDefault("responder_timeout", 20*time.Second)
	v.SetDefault("synthesis_timeout", 30*time.Second)
	v.SetDefault("codec_timeout", 10*time.Second)
	v.SetDefault("announce_timeout", 45*time.Second)

	v.SetDefault("system_prompt", DefaultSystemPrompt)
	v.SetDefault("greetings", DefaultGreetings)
	v.SetDefault("database_path", "data/voice-agent.db")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetDefault("http_address", ":8080")
	v.SetDefault("gin_mode", "release")
	v.SetDefault("agent_binary", "voice-agent")
	v.SetDefault("health_interval", 15*time.Second)
	v.SetDefault("health_grace", 30*time.Second)
	v.SetDefault("stop_timeout", 5*time.Second)
}

// AgentFlags declares the command-line flags the supervisor passes to each agent process.
func AgentFlags(fs *pflag.FlagSet) {
	fs.String("room", "", "LiveKit room to join")
	fs.String("identity", "assistant-bot", "participant identity of the agent")
}

// Load reads configuration from, in increasing precedence: defaults, the YAML
// file named by CONFIG_FILE, environment variables (a .env file in the working
// directory is loaded first if present), and flags already parsed into fs.
func Load(fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	if fs != nil {
		for _, name := range []string{"room", "identity"} {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(name, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Greetings = splitGreetings(cfg.GreetingsRaw)
	if cfg.AnnounceVendor == "" {
		cfg.AnnounceVendor = cfg.TTSVendor
	}
	return &cfg, nil
}

func splitGreetings(raw string) []string {
	var out []string
	for _, g := range strings.Split(raw, "|") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

// ValidateAgent reports the first missing setting the agent cannot start without.
func (c *Config) ValidateAgent() error {
	var missing []string
	if c.LiveKitURL == "" {
		missing = append(missing, "LIVEKIT_URL")
	}
	if c.LiveKitAPIKey == "" || c.LiveKitAPISecret == "" {
		missing = append(missing, "LIVEKIT_API_KEY/LIVEKIT_API_SECRET")
	}
	if c.Room == "" {
		missing = append(missing, "--room")
	}
	if c.Identity == "" {
		missing = append(missing, "--identity")
	}
	usesOpenAI := c.LLMVendor == "openai" || c.TTSVendor == "openai" || c.AnnounceVendor == "openai"
	if usesOpenAI && c.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateServer checks what the supervisor needs to spawn and watch agents.
func (c *Config) ValidateServer() error {
	var missing []string
	if c.LiveKitURL == "" {
		missing = append(missing, "LIVEKIT_URL")
	}
	if c.LiveKitAPIKey == "" || c.LiveKitAPISecret == "" {
		missing = append(missing, "LIVEKIT_API_KEY/LIVEKIT_API_SECRET")
	}
	if c.AgentBinary == "" {
		missing = append(missing, "AGENT_BINARY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}
