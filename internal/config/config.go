package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port" validate:"min=0,max=65535"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"gt=0"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"gt=0"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   zerolog.Level `mapstructure:"log_level"`

	CertFile string `mapstructure:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `mapstructure:"key_file" validate:"required_with=CertFile"`

	// RecordDir enables the recorder sink when set.
	RecordDir           string        `mapstructure:"record_dir"`
	VideoCodec          string        `mapstructure:"video_codec" validate:"oneof=vp8 vp9 h264"`
	ICEServers          []string      `mapstructure:"ice_servers"`
	UDPPortMin          uint16        `mapstructure:"udp_port_min"`
	UDPPortMax          uint16        `mapstructure:"udp_port_max" validate:"gtefield=UDPPortMin"`
	DisableMDNS         bool          `mapstructure:"disable_mdns"`
	ICEGatheringTimeout time.Duration `mapstructure:"ice_gathering_timeout" validate:"gt=0"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	PLIInterval         time.Duration `mapstructure:"pli_interval"`

	OfferRateLimit    int           `mapstructure:"offer_rate_limit" validate:"min=0"`
	OfferRateInterval time.Duration `mapstructure:"offer_rate_interval"`

	v        *viper.Viper
	verbose  bool
	mu       sync.Mutex
	onChange []func(*Config)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) TLS() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Load reads config/config.<CONFIG_ENV>.yaml from disk plus process
// flags and PROCTOR_* environment variables.
func Load() (*Config, error) {
	return LoadFrom(afero.NewOsFs(), os.Args[1:])
}

func LoadFrom(fs afero.Fs, args []string) (*Config, error) {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("PROCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	flags := pflag.NewFlagSet("proctor", pflag.ContinueOnError)
	flags.String("host", v.GetString("host"), "Host for HTTP server")
	flags.Int("port", v.GetInt("port"), "Port for HTTP server")
	flags.String("record-to", "", "Write received media to files in this directory")
	flags.String("cert-file", "", "SSL certificate file")
	flags.String("key-file", "", "SSL key file")
	flags.BoolP("verbose", "v", false, "Debug logging")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	for key, flag := range map[string]string{
		"host":       "host",
		"port":       "port",
		"record_dir": "record-to",
		"cert_file":  "cert-file",
		"key_file":   "key-file",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	verbose, _ := flags.GetBool("verbose")
	cfg, err := decodeWith(v, verbose)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Str("addr", cfg.Addr()).
		Str("static", cfg.StaticPath).
		Str("record_dir", cfg.RecordDir).
		Msg("config ready")
	return cfg, nil
}

// OnChange registers fn to run with the freshly decoded config whenever
// the config file changes on disk. Only the first call starts the watcher.
func (c *Config) OnChange(fn func(*Config)) {
	if c.v == nil {
		return
	}
	c.mu.Lock()
	first := len(c.onChange) == 0
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
	if !first {
		return
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		fresh, err := c.reload()
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload rejected")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		c.mu.Lock()
		callbacks := append([]func(*Config){}, c.onChange...)
		c.mu.Unlock()
		for _, cb := range callbacks {
			cb(fresh)
		}
	})
	c.v.WatchConfig()
}

// reload decodes the current viper state again, keeping the command-line
// overrides that viper does not track.
func (c *Config) reload() (*Config, error) {
	return decodeWith(c.v, c.verbose)
}

func decodeWith(v *viper.Viper, verbose bool) (*Config, error) {
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.LogLevel = zerolog.DebugLevel
	}
	cfg.v = v
	cfg.verbose = verbose
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("cert_file", "")
	v.SetDefault("key_file", "")
	v.SetDefault("record_dir", "")
	v.SetDefault("video_codec", "vp8")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("udp_port_min", 0)
	v.SetDefault("udp_port_max", 0)
	v.SetDefault("disable_mdns", false)
	v.SetDefault("ice_gathering_timeout", "10s")
	v.SetDefault("shutdown_timeout", "5s")
	v.SetDefault("pli_interval", "3s")
	v.SetDefault("offer_rate_limit", 10)
	v.SetDefault("offer_rate_interval", "1m")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		stringToLevelHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.VideoCodec = strings.ToLower(cfg.VideoCodec)
	if err := validate.Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("invalid config: %s: %s", verrs[0].Namespace(), verrs[0].Tag())
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func stringToLevelHook() mapstructure.DecodeHookFuncType {
	levelType := reflect.TypeOf(zerolog.Level(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != levelType {
			return data, nil
		}
		return zerolog.ParseLevel(data.(string))
	}
}
