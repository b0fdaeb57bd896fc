package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string         `mapstructure:"mode"`
	LogLevel string         `mapstructure:"log_level"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Endpoint EndpointConfig `mapstructure:"endpoint"`
}

type RelayConfig struct {
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendQueue  int           `mapstructure:"send_queue"`
	Initiator  string        `mapstructure:"initiator"`
	Responder  string        `mapstructure:"responder"`
	Allowed    []string      `mapstructure:"allowed"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
	// JWTSecret enables ?token= verification when set.
	JWTSecret string      `mapstructure:"jwt_secret"`
	Redis     RedisConfig `mapstructure:"redis"`
}

type GatewayConfig struct {
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	UploadDir    string        `mapstructure:"upload_dir"`
	MaxUpload    int64         `mapstructure:"max_upload"`
	CookieSecret string        `mapstructure:"cookie_secret"`
	Redis        RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type EndpointConfig struct {
	Identity string `mapstructure:"identity"`
	Role     string `mapstructure:"role"`
	Peer     string `mapstructure:"peer"`
	RelayURL string `mapstructure:"relay_url"`
	// RelayReadTimeout must exceed the relay's ping_period.
	RelayReadTimeout time.Duration `mapstructure:"relay_read_timeout"`
	GatewayURL       string        `mapstructure:"gateway_url"`
	Password         string        `mapstructure:"password"`
	ICEServers       []string      `mapstructure:"ice_servers"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	AckTimeout       time.Duration `mapstructure:"ack_timeout"`
	RPCTransport     string        `mapstructure:"rpc_transport"`
	// Calls are invoked on the peer each time the session is established.
	Calls   []string      `mapstructure:"calls"`
	Capture CaptureConfig `mapstructure:"capture"`
	Audio   AudioConfig   `mapstructure:"audio"`
}

type CaptureConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PhotoCommand []string      `mapstructure:"photo_command"`
	VideoCommand []string      `mapstructure:"video_command"`
	Dir          string        `mapstructure:"dir"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Delivery     string        `mapstructure:"delivery"`
	DoneMethod   string        `mapstructure:"done_method"`
}

type AudioConfig struct {
	Play bool `mapstructure:"play"`
	// Required makes an output device that cannot be opened at startup fatal.
	Required      bool          `mapstructure:"required"`
	Capacity      int           `mapstructure:"capacity"`
	Warmup        int           `mapstructure:"warmup"`
	FrameDuration time.Duration `mapstructure:"frame_duration"`
	OutputCommand []string      `mapstructure:"output_command"`
	// SourceCommand writes Ogg/Opus to stdout; empty sends no local audio.
	SourceCommand []string `mapstructure:"source_command"`
}

// setDefaults registers every key, including empty secrets: AutomaticEnv
// only overrides keys viper already knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")

	v.SetDefault("relay.port", 8765)
	v.SetDefault("relay.read_limit", 65536)
	v.SetDefault("relay.ping_period", "54s")
	v.SetDefault("relay.send_queue", 32)
	v.SetDefault("relay.initiator", "A")
	v.SetDefault("relay.responder", "B")
	v.SetDefault("relay.rate_limit", 50)
	v.SetDefault("relay.rate_window", "1s")
	v.SetDefault("relay.jwt_secret", "")
	v.SetDefault("relay.redis.addr", "")
	v.SetDefault("relay.redis.password", "")
	v.SetDefault("relay.redis.db", 0)

	v.SetDefault("gateway.port", 8000)
	v.SetDefault("gateway.token_ttl", "6h")
	v.SetDefault("gateway.upload_dir", "./uploads")
	v.SetDefault("gateway.max_upload", 256<<20)
	v.SetDefault("gateway.password", "")
	v.SetDefault("gateway.jwt_secret", "")
	v.SetDefault("gateway.cookie_secret", "")
	v.SetDefault("gateway.redis.addr", "")
	v.SetDefault("gateway.redis.password", "")
	v.SetDefault("gateway.redis.db", 0)

	v.SetDefault("endpoint.identity", "")
	v.SetDefault("endpoint.role", "responder")
	v.SetDefault("endpoint.peer", "")
	v.SetDefault("endpoint.password", "")
	v.SetDefault("endpoint.relay_url", "ws://localhost:8765/ws/signal")
	v.SetDefault("endpoint.relay_read_timeout", "108s")
	v.SetDefault("endpoint.gateway_url", "http://localhost:8000")
	v.SetDefault("endpoint.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("endpoint.retry_backoff", "3s")
	v.SetDefault("endpoint.ack_timeout", "10s")
	v.SetDefault("endpoint.rpc_transport", "datachannel")
	v.SetDefault("endpoint.capture.enabled", true)
	v.SetDefault("endpoint.capture.photo_command", []string{
		"ffmpeg", "-f", "avfoundation", "-video_size", "1280x720", "-framerate", "30",
		"-i", "0", "-frames:v", "1", "-y", "{output}",
	})
	v.SetDefault("endpoint.capture.video_command", []string{
		"ffmpeg", "-f", "avfoundation", "-video_size", "1280x720", "-framerate", "30",
		"-i", "0", "-t", "{seconds}", "-c:v", "libx264", "-preset", "ultrafast", "-y", "{output}",
	})
	v.SetDefault("endpoint.capture.dir", os.TempDir())
	v.SetDefault("endpoint.capture.timeout", "60s")
	v.SetDefault("endpoint.capture.delivery", "call")
	v.SetDefault("endpoint.capture.done_method", "capture_done")
	v.SetDefault("endpoint.audio.play", true)
	v.SetDefault("endpoint.audio.required", false)
	v.SetDefault("endpoint.audio.capacity", 5)
	v.SetDefault("endpoint.audio.warmup", 2)
	v.SetDefault("endpoint.audio.frame_duration", "20ms")
	v.SetDefault("endpoint.audio.output_command", []string{
		"ffplay", "-nodisp", "-loglevel", "quiet", "-f", "s16le", "-ar", "48000", "-ac", "1", "-i", "pipe:0",
	})
}

// Load reads config/config.<CONFIG_ENV>.yaml (falling back to defaults),
// then INTERCOM_* environment variables, then any bound flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			fileName = f.Value.String()
		}
	}

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("INTERCOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"identity": "endpoint.identity",
	"role":     "endpoint.role",
	"peer":     "endpoint.peer",
	"relay":    "endpoint.relay_url",
	"gateway":  "endpoint.gateway_url",
	"password": "endpoint.password",
	"rpc":      "endpoint.rpc_transport",
	"call":     "endpoint.calls",
	"port":     "", // resolved per binary in bindFlags
	"log":      "log_level",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if key == "" {
			key = flags.Name() + "." + name
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// EndpointFlags declares the flags understood by cmd/endpoint.
func EndpointFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("endpoint", pflag.ContinueOnError)
	fs.String("config", "", "path to a yaml config file")
	fs.String("identity", "", "participant identity")
	fs.String("role", "", "initiator or responder")
	fs.String("peer", "", "identity of the remote participant")
	fs.String("relay", "", "signaling relay websocket URL")
	fs.String("gateway", "", "auth/upload gateway base URL")
	fs.String("password", "", "shared gateway password")
	fs.String("rpc", "", "rpc transport: datachannel or relay")
	fs.StringSlice("call", nil, "methods to invoke on the peer once connected")
	fs.String("log", "", "log level")
	return fs
}

// ServerFlags declares the flags understood by cmd/relay and cmd/gateway.
func ServerFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a yaml config file")
	fs.Int("port", 0, "listen port")
	fs.String("log", "", "log level")
	return fs
}
