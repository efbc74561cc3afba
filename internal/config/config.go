package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Infura struct {
		ApiKey string `yaml:"api_key"`
	} `yaml:"infura"`

	Catalog struct {
		DBName string `yaml:"db_name"`
	} `yaml:"catalog"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Engine struct {
		BatchSize     int     `yaml:"batch_size"`
		StartAmount   string  `yaml:"start_amount"`
		StartCurrency string  `yaml:"start_currency"`
		FeePercent    float64 `yaml:"fee_percent"`
		ViewerAddress string  `yaml:"viewer_address"`
	} `yaml:"engine"`

	Log struct {
		File string `yaml:"file"`
	} `yaml:"log"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`

	Redis struct {
		Addr     string `yaml:"addr"`
		DB       int    `yaml:"db"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Stream   string `yaml:"stream"`
	} `yaml:"redis"`

	Timings struct {
		ReconnectMs       int `yaml:"reconnect_ms"`
		SubscribeDelayMs  int `yaml:"subscribe_delay_ms"`
		DedupCapacity     int `yaml:"dedup_capacity"`
		DedupTTLMs        int `yaml:"dedup_ttl_ms"`
		DispatchWorkers   int `yaml:"dispatch_workers"`
		EventBufferLength int `yaml:"event_buffer_length"`
	} `yaml:"timings"`
}

func Load(path string) (*Config, error) {
	var c Config
	feeSet := false
	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		// fee_percent: 0 в YAML — валидное значение, а не «ключ не задан»;
		// различаем через указатель
		var probe struct {
			Engine struct {
				FeePercent *float64 `yaml:"fee_percent"`
			} `yaml:"engine"`
		}
		if err := yaml.Unmarshal(b, &probe); err == nil && probe.Engine.FeePercent != nil {
			feeSet = true
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if c.Catalog.DBName == "" {
		c.Catalog.DBName = "defi.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Engine.BatchSize == 0 {
		c.Engine.BatchSize = 800
	}
	if c.Engine.StartAmount == "" {
		c.Engine.StartAmount = "1"
	}
	if c.Engine.StartCurrency == "" {
		c.Engine.StartCurrency = "WETH"
	}
	if c.Engine.FeePercent == 0 && !feeSet {
		c.Engine.FeePercent = 0.5
	}
	if c.Log.File == "" {
		c.Log.File = "arbitrage.log"
	}
	if c.Timings.ReconnectMs == 0 {
		c.Timings.ReconnectMs = 5000
	}
	if c.Timings.SubscribeDelayMs == 0 {
		c.Timings.SubscribeDelayMs = 100
	}
	if c.Timings.DedupCapacity == 0 {
		c.Timings.DedupCapacity = 100_000
	}
	if c.Timings.DedupTTLMs == 0 {
		c.Timings.DedupTTLMs = 300_000
	}
	if c.Timings.DispatchWorkers == 0 {
		c.Timings.DispatchWorkers = 5
	}
	if c.Timings.EventBufferLength == 0 {
		c.Timings.EventBufferLength = 1024
	}

	// env wins over YAML and defaults; FEE_PERCENT=0 is a valid override
	applyEnv(&c)
	return &c, nil
}

// applyEnv накладывает переменные окружения поверх YAML.
func applyEnv(c *Config) {
	if v := os.Getenv("INFURA_API_KEY"); v != "" {
		c.Infura.ApiKey = v
	}
	if v := os.Getenv("WEB_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.BatchSize = n
		}
	}
	if v := os.Getenv("START_AMOUNT"); v != "" {
		c.Engine.StartAmount = v
	}
	if v := os.Getenv("START_CURRENCY"); v != "" {
		c.Engine.StartCurrency = v
	}
	if v := os.Getenv("FEE_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Engine.FeePercent = f
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Catalog.DBName = v
	}
	if v := os.Getenv("LOG_FILE_NAME"); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv("UNISWAP_VIEWER_ADDRESS"); v != "" {
		c.Engine.ViewerAddress = v
	}
}

func (c *Config) HTTPEndpoint() string {
	return "https://mainnet.infura.io/v3/" + c.Infura.ApiKey
}

func (c *Config) WSEndpoint() string {
	return "wss://mainnet.infura.io/ws/v3/" + c.Infura.ApiKey
}

func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.Timings.ReconnectMs) * time.Millisecond
}

func (c *Config) SubscribeDelay() time.Duration {
	return time.Duration(c.Timings.SubscribeDelayMs) * time.Millisecond
}

func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.Timings.DedupTTLMs) * time.Millisecond
}
