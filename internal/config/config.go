package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	appdefaults "github.com/dourok/voicebot/config"

	"github.com/dourok/voicebot/internal/logger"
	"github.com/spf13/viper"
)

// MQTTSettings represents a mqttSettings.
type MQTTSettings struct {
	Endpoint       string `mapstructure:"endpoint"`
	ClientID       string `mapstructure:"client_id"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	PublishTopic   string `mapstructure:"publish_topic"`
	SubscribeTopic string `mapstructure:"subscribe_topic"`
}

// AudioSettings represents a audioSettings.
type AudioSettings struct {
	Format        string `mapstructure:"format"`
	SampleRate    int    `mapstructure:"sample_rate"`
	Channels      int    `mapstructure:"channels"`
	FrameDuration int    `mapstructure:"frame_duration"`
	// PlaybackSampleRate, when non-zero and different from SampleRate,
	// resamples decoded audio for the output device.
	PlaybackSampleRate int `mapstructure:"playback_sample_rate"`
}

// Config represents a config.
type Config struct {
	RootDir         string        `mapstructure:"-"`
	HTTPAddr        string        `mapstructure:"http_addr"`
	Transport       string        `mapstructure:"transport"`
	OTAURL          string        `mapstructure:"ota_url"`
	WebSocketURL    string        `mapstructure:"websocket_url"`
	AccessToken     string        `mapstructure:"access_token"`
	ProtocolVersion int           `mapstructure:"protocol_version"`
	DeviceID        string        `mapstructure:"device_id"`
	ClientID        string        `mapstructure:"client_id"`
	MQTT            MQTTSettings  `mapstructure:"mqtt"`
	Audio           AudioSettings `mapstructure:"audio"`
	ListenMode      string        `mapstructure:"listen_mode"`
	KeepListening   bool          `mapstructure:"keep_listening"`
	IotDescriptors  string        `mapstructure:"iot_descriptors_path"`
	DataDir         string        `mapstructure:"data_dir"`
	Log             logger.Config `mapstructure:"log"`

	// Derived from DataDir.
	SettingsDir   string `mapstructure:"-"`
	TranscriptDir string `mapstructure:"-"`
}

// Load reads conf.yaml from the resolved root directory, layered over the
// embedded defaults and VOICEBOT_* environment variables.
func Load() (Config, error) {
	rootDir, err := resolveRootDir()
	if err != nil {
		return Config{}, err
	}

	v := newViper()
	v.SetConfigName("conf")
	v.AddConfigPath(rootDir)

	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return Config{}, fmt.Errorf("load embedded config: %w", err)
	}
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	return finish(v, rootDir)
}

// LoadConfig executes the loadConfig function.
func LoadConfig(configPath string) (Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		return Load()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}

	rootDir := strings.TrimSpace(os.Getenv("VOICEBOT_ROOT_DIR"))
	if rootDir == "" {
		rootDir = filepath.Dir(absPath)
		if filepath.Base(rootDir) == "config" {
			rootDir = filepath.Dir(rootDir)
		}
	}

	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return Config{}, fmt.Errorf("load embedded config: %w", err)
	}
	v.SetConfigFile(absPath)
	if err := v.MergeInConfig(); err != nil {
		return Config{}, err
	}

	return finish(v, rootDir)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("http_addr", "")
	v.SetDefault("transport", "websocket")
	v.SetDefault("protocol_version", 1)
	v.SetDefault("audio.format", "opus")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.frame_duration", 60)
	v.SetDefault("listen_mode", "auto")
	v.SetDefault("keep_listening", false)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.enabled", true)
	v.SetDefault("log.file.path", "./data/logs")
	v.SetDefault("log.file.name", "voicebot.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)

	v.SetEnvPrefix("voicebot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func finish(v *viper.Viper, rootDir string) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	cfg.RootDir = rootDir
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	derivePaths(&cfg)
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Transport {
	case "websocket", "mqtt":
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	switch cfg.ListenMode {
	case "auto", "manual", "realtime":
	default:
		return fmt.Errorf("unknown listen_mode %q", cfg.ListenMode)
	}
	if cfg.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Channels <= 0 {
		return fmt.Errorf("audio.channels must be positive, got %d", cfg.Audio.Channels)
	}
	return nil
}

func derivePaths(cfg *Config) {
	cfg.DataDir = resolvePath(cfg.RootDir, cfg.DataDir, "data")
	cfg.SettingsDir = filepath.Join(cfg.DataDir, "settings")
	cfg.TranscriptDir = filepath.Join(cfg.DataDir, "transcripts")
	if cfg.IotDescriptors != "" {
		cfg.IotDescriptors = resolvePath(cfg.RootDir, cfg.IotDescriptors, "")
	}
	if !filepath.IsAbs(cfg.Log.File.Path) && cfg.Log.File.Path != "" {
		cfg.Log.File.Path = filepath.Join(cfg.RootDir, cfg.Log.File.Path)
	}
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv("VOICEBOT_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
