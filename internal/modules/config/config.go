package config

import (
	"os"
	"time"

	"github.com/arafuse/CryptoWatcher/internal/helper"
	"github.com/arafuse/CryptoWatcher/internal/models"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	databaseDSN       = "DATABASE_DSN"
)

// Config is the immutable application configuration, built once at startup.
type Config struct {
	Telegram struct {
		Token  string `mapstructure:"token"`
		ChatID int64  `mapstructure:"chat_id"`
	} `mapstructure:"telegram"`
	DB     string `mapstructure:"db_dsn"`
	Jaeger struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"jaeger"`

	APIBaseURL string `mapstructure:"api_base_url"`
	APIWSURL   string `mapstructure:"api_ws_url"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`

	Verbosity int `mapstructure:"verbosity"`

	// Рыночные данные
	TradeBase             string             `mapstructure:"trade_base"`
	TickIntervalSecs      int64              `mapstructure:"tick_interval_secs"`
	TickGapMax            int                `mapstructure:"tick_gap_max"`
	PairsGreylistSecs     int64              `mapstructure:"pairs_greylist_secs"`
	BackRefreshMinSecs    int64              `mapstructure:"back_refresh_min_secs"`
	BackRefreshMaxPerTick int                `mapstructure:"back_refresh_max_per_tick"`
	MinBaseVolumes        map[string]float64 `mapstructure:"min_base_volumes"`
	BaseCurrencies        []string           `mapstructure:"base_currencies"`
	BasePairs             []string           `mapstructure:"base_pairs"`
	MaxPairs              int                `mapstructure:"max_pairs"`
	ChartAge              int                `mapstructure:"chart_age"`

	// Фильтры пар
	PairChangeFilter bool    `mapstructure:"pair_change_filter"`
	PairDipFilter    bool    `mapstructure:"pair_dip_filter"`
	PairPreferFilter bool    `mapstructure:"pair_prefer_filter"`
	PairChangeMin    float64 `mapstructure:"pair_change_min"`
	PairChangeDip    float64 `mapstructure:"pair_change_dip"`
	PairChangeCutoff float64 `mapstructure:"pair_change_cutoff"`

	// Индикаторы
	MAWindows        []int   `mapstructure:"ma_windows"`
	EMAWindows       []int   `mapstructure:"ema_windows"`
	VDMAWindows      []int   `mapstructure:"vdma_windows"`
	EMATradeBaseOnly bool    `mapstructure:"ema_trade_base_only"`
	MAFilter         bool    `mapstructure:"ma_filter"`
	MAFilterWindow   int     `mapstructure:"ma_filter_window"`
	MAFilterOrder    int     `mapstructure:"ma_filter_order"`
	EnableBBands     bool    `mapstructure:"enable_bbands"`
	BBandMA          int     `mapstructure:"bband_ma"`
	BBandMult        float64 `mapstructure:"bband_mult"`
	EnableRSI        bool    `mapstructure:"enable_rsi"`
	RSIWindow        int     `mapstructure:"rsi_window"`
	RSISize          int     `mapstructure:"rsi_size"`
	RSIOverbought    float64 `mapstructure:"rsi_overbought"`
	RSIOversold      float64 `mapstructure:"rsi_oversold"`

	// Детекции
	DetectionsFile              string  `mapstructure:"detections_file"`
	DetectionMinFollowSecs      int64   `mapstructure:"detection_min_follow_secs"`
	DetectionMaxFollowSecs      int64   `mapstructure:"detection_max_follow_secs"`
	DetectionRestoreTimeoutSecs int64   `mapstructure:"detection_restore_timeout_secs"`
	DetectionFlashCrashSens     float64 `mapstructure:"detection_flash_crash_sens"`
	TradeUseIndicators          bool    `mapstructure:"trade_use_indicators"`

	// Торговля
	TradeSimulate         bool    `mapstructure:"trade_simulate"`
	TradeMaxOpen          int     `mapstructure:"trade_max_open"`
	TradeMinSizeBTC       float64 `mapstructure:"trade_min_size_btc"`
	TradeMinSafePercent   float64 `mapstructure:"trade_min_safe_percent"`
	TradeOrderTimeoutSecs int64   `mapstructure:"trade_order_timeout_secs"`
	TradePushPercent      float64 `mapstructure:"trade_push_percent"`
	TradeStopPercent      float64 `mapstructure:"trade_stop_percent"`

	// HTTP клиент
	HTTPMaxRetries          int     `mapstructure:"http_max_retries"`
	HTTPMaxBackoffSecs      int64   `mapstructure:"http_max_backoff_secs"`
	APIInitialRateLimitSecs float64 `mapstructure:"api_initial_rate_limit_secs"`

	// Шардирование по нодам; index == -1 отключает
	AppNodeIndex int `mapstructure:"app_node_index"`
	AppNodeMax   int `mapstructure:"app_node_max"`

	OutputRolloverSecs int64 `mapstructure:"output_rollover_secs"`

	HealthIntervalSecs int64 `mapstructure:"health_interval_secs"`

	Detections map[string]*models.Detection `mapstructure:"-"`

	// Вычисляется после загрузки
	MinTickLength int `mapstructure:"-"`
}

func NewConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFileName := os.Getenv(configFilePathENV)
	if configFileName != "" {
		v.SetConfigFile(configFileName)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}

	if token := os.Getenv(tokenTelegramENV); token != "" {
		config.Telegram.Token = token
	}
	if dsn := os.Getenv(databaseDSN); dsn != "" {
		config.DB = dsn
	}

	if config.DetectionsFile != "" {
		detections, err := LoadDetections(config.DetectionsFile)
		if err != nil {
			return nil, err
		}
		config.Detections = detections
	} else {
		config.Detections = map[string]*models.Detection{}
	}

	config.MinTickLength = helper.MinTickLength(config.MAWindows, config.EMAWindows, config.ChartAge)

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trade_base", "USDT")
	v.SetDefault("tick_interval_secs", 60)
	v.SetDefault("tick_gap_max", 60)
	v.SetDefault("pairs_greylist_secs", 900)
	v.SetDefault("back_refresh_min_secs", 3600)
	v.SetDefault("back_refresh_max_per_tick", 3)
	v.SetDefault("min_base_volumes", map[string]float64{"USDT": 1000000.0})
	v.SetDefault("base_currencies", []string{"USDT"})
	v.SetDefault("base_pairs", []string{"USDT-BTC", "USDT-ETH"})
	v.SetDefault("max_pairs", 0)
	v.SetDefault("chart_age", 1440)

	v.SetDefault("pair_change_filter", false)
	v.SetDefault("pair_dip_filter", false)
	v.SetDefault("pair_prefer_filter", false)
	v.SetDefault("pair_change_min", 0.0015)
	v.SetDefault("pair_change_dip", 0.025)
	v.SetDefault("pair_change_cutoff", 0.0125)

	v.SetDefault("ma_windows", []int{5, 13, 34, 89, 233, 610, 1597})
	v.SetDefault("ema_windows", []int{})
	v.SetDefault("vdma_windows", []int{34})
	v.SetDefault("ema_trade_base_only", true)
	v.SetDefault("ma_filter", false)
	v.SetDefault("ma_filter_window", 35)
	v.SetDefault("ma_filter_order", 13)
	v.SetDefault("enable_bbands", false)
	v.SetDefault("bband_ma", 2)
	v.SetDefault("bband_mult", 2.0)
	v.SetDefault("enable_rsi", false)
	v.SetDefault("rsi_window", 14)
	v.SetDefault("rsi_size", 34)
	v.SetDefault("rsi_overbought", 60.0)
	v.SetDefault("rsi_oversold", 40.0)

	v.SetDefault("detection_min_follow_secs", 180)
	v.SetDefault("detection_max_follow_secs", 28800)
	v.SetDefault("detection_restore_timeout_secs", 3600)
	v.SetDefault("detection_flash_crash_sens", 0.5)
	v.SetDefault("trade_use_indicators", false)

	v.SetDefault("trade_simulate", true)
	v.SetDefault("trade_max_open", 4)
	v.SetDefault("trade_min_size_btc", 0.0011)
	v.SetDefault("trade_min_safe_percent", 0.03)
	v.SetDefault("trade_order_timeout_secs", 90)
	v.SetDefault("trade_push_percent", 0.0125)
	v.SetDefault("trade_stop_percent", 0.025)

	v.SetDefault("http_max_retries", 10)
	v.SetDefault("http_max_backoff_secs", 30)
	v.SetDefault("api_initial_rate_limit_secs", 0.25)

	v.SetDefault("app_node_index", -1)
	v.SetDefault("app_node_max", 1)

	v.SetDefault("output_rollover_secs", 86400)
	v.SetDefault("health_interval_secs", 300)

	v.SetDefault("api_base_url", "https://api.bittrex.com/v3")
	v.SetDefault("api_ws_url", "")
	v.SetDefault("verbosity", 0)
}

// LoadDetections reads and decodes the detections definition file.
func LoadDetections(path string) (map[string]*models.Detection, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read detections file")
	}

	detections := map[string]*models.Detection{}
	if err := yaml.Unmarshal(raw, &detections); err != nil {
		return nil, errors.Wrap(err, "failed to decode detections file")
	}

	for _, detection := range detections {
		detection.Normalize()
	}

	return detections, nil
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSecs) * time.Second
}

// Bases — базовые валюты в порядке предпочтения, только с заданным
// минимальным объёмом.
func (c *Config) Bases() []string {
	bases := make([]string, 0, len(c.BaseCurrencies))
	for _, base := range c.BaseCurrencies {
		if _, ok := c.MinBaseVolumes[base]; ok {
			bases = append(bases, base)
		}
	}
	return bases
}
