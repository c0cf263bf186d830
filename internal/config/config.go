package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"paper-tape/internal/domain"
)

type Config struct {
	DatabaseURL string
	RedisURL    string

	HTTPPort int
	APIKey   string

	TelegramBotToken string

	MarketDataAPIKey     string
	MarketDataBaseURL    string
	MarketDataRatePerMin int

	OpenAIAPIKey string
	OpenAIModel  string

	MCPTransport          string
	MCPHTTPEnabled        bool
	MCPHTTPBind           string
	MCPHTTPPort           int
	MCPAuthToken          string
	MCPRequestTimeoutSecs int
	MCPRateLimitPerMin    int

	Watchlist   []string
	IndexSymbol string

	DecisionCron    string
	OutcomeCron     string
	DecisionWorkers int
	SupersedeActive bool
	WeightsFile     string

	MinActionConfidence float64
	MLLongThreshold     float64
	MLShortThreshold    float64

	LockTTLSecs        int
	PriceFreshSecs     int
	BarToleranceSecs   int
	AnomalyScreenSize  int
	ScorerIntervalSecs int
}

func Load() *Config {
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		RedisURL:         os.Getenv("REDIS_URL"),
		APIKey:           strings.TrimSpace(os.Getenv("API_KEY")),
		MCPAuthToken:     os.Getenv("MCP_AUTH_TOKEN"),
	}

	if cfg.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL not set")
	}
	if cfg.RedisURL == "" {
		log.Println("Warning: REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}
	if cfg.TelegramBotToken == "" {
		log.Println("Warning: TELEGRAM_BOT_TOKEN not set, bot will be disabled")
	}

	cfg.HTTPPort = 8080
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}

	cfg.MarketDataAPIKey = strings.TrimSpace(os.Getenv("MARKETDATA_API_KEY"))
	if cfg.MarketDataAPIKey == "" {
		log.Println("Warning: MARKETDATA_API_KEY not set, live price fallbacks will be disabled")
	}

	cfg.MarketDataBaseURL = strings.TrimSpace(os.Getenv("MARKETDATA_BASE_URL"))
	if cfg.MarketDataBaseURL == "" {
		cfg.MarketDataBaseURL = "https://api.twelvedata.com"
	}

	cfg.MarketDataRatePerMin = 55
	if v := strings.TrimSpace(os.Getenv("MARKETDATA_RATE_PER_MIN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MarketDataRatePerMin = n
		}
	}

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if cfg.OpenAIAPIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set, sentiment scoring falls back to heuristics")
	}

	cfg.OpenAIModel = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}

	cfg.MCPTransport = strings.ToLower(strings.TrimSpace(os.Getenv("MCP_TRANSPORT")))
	if cfg.MCPTransport == "" {
		cfg.MCPTransport = "stdio"
	}
	if cfg.MCPTransport != "stdio" && cfg.MCPTransport != "http" {
		log.Printf("Warning: unsupported MCP_TRANSPORT=%q, defaulting to stdio", cfg.MCPTransport)
		cfg.MCPTransport = "stdio"
	}

	cfg.MCPHTTPEnabled = strings.EqualFold(strings.TrimSpace(os.Getenv("MCP_HTTP_ENABLED")), "true")

	cfg.MCPHTTPBind = strings.TrimSpace(os.Getenv("MCP_HTTP_BIND"))
	if cfg.MCPHTTPBind == "" {
		cfg.MCPHTTPBind = "127.0.0.1"
	}

	cfg.MCPHTTPPort = 8090
	if v := strings.TrimSpace(os.Getenv("MCP_HTTP_PORT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MCPHTTPPort = n
		}
	}

	cfg.MCPRequestTimeoutSecs = 5
	if v := strings.TrimSpace(os.Getenv("MCP_REQUEST_TIMEOUT_SECS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MCPRequestTimeoutSecs = n
		}
	}

	cfg.MCPRateLimitPerMin = 60
	if v := strings.TrimSpace(os.Getenv("MCP_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MCPRateLimitPerMin = n
		}
	}

	cfg.Watchlist = append([]string(nil), domain.DefaultWatchlist...)
	if v := strings.TrimSpace(os.Getenv("WATCHLIST")); v != "" {
		parsed := make([]string, 0, 8)
		for _, sym := range strings.Split(v, ",") {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if sym != "" {
				parsed = append(parsed, sym)
			}
		}
		if len(parsed) > 0 {
			cfg.Watchlist = parsed
		}
	}

	cfg.IndexSymbol = strings.ToUpper(strings.TrimSpace(os.Getenv("INDEX_SYMBOL")))
	if cfg.IndexSymbol == "" {
		cfg.IndexSymbol = domain.DefaultIndexSymbol
	}

	cfg.DecisionCron = strings.TrimSpace(os.Getenv("DECISION_CRON"))
	if cfg.DecisionCron == "" {
		cfg.DecisionCron = "5 * * * *"
	}

	cfg.OutcomeCron = strings.TrimSpace(os.Getenv("OUTCOME_CRON"))
	if cfg.OutcomeCron == "" {
		cfg.OutcomeCron = "*/15 * * * *"
	}

	cfg.DecisionWorkers = 4
	if v := strings.TrimSpace(os.Getenv("DECISION_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DecisionWorkers = n
		}
	}

	cfg.SupersedeActive = strings.EqualFold(strings.TrimSpace(os.Getenv("DECISION_SUPERSEDE")), "true")

	cfg.WeightsFile = strings.TrimSpace(os.Getenv("WEIGHTS_FILE"))

	cfg.MinActionConfidence = 0.55
	if v := strings.TrimSpace(os.Getenv("MIN_ACTION_CONFIDENCE")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 && n < 1 {
			cfg.MinActionConfidence = n
		}
	}

	cfg.MLLongThreshold = 0.55
	if v := strings.TrimSpace(os.Getenv("ML_LONG_THRESHOLD")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 && n < 1 {
			cfg.MLLongThreshold = n
		}
	}

	cfg.MLShortThreshold = 0.45
	if v := strings.TrimSpace(os.Getenv("ML_SHORT_THRESHOLD")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 && n < 1 {
			cfg.MLShortThreshold = n
		}
	}

	cfg.LockTTLSecs = 600
	if v := strings.TrimSpace(os.Getenv("LOCK_TTL_SECS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LockTTLSecs = n
		}
	}

	cfg.PriceFreshSecs = 120
	if v := strings.TrimSpace(os.Getenv("PRICE_FRESH_SECS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PriceFreshSecs = n
		}
	}

	cfg.BarToleranceSecs = 900
	if v := strings.TrimSpace(os.Getenv("BAR_TOLERANCE_SECS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BarToleranceSecs = n
		}
	}

	cfg.AnomalyScreenSize = 256
	if v := strings.TrimSpace(os.Getenv("ANOMALY_SCREEN_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AnomalyScreenSize = n
		}
	}

	cfg.ScorerIntervalSecs = 300
	if v := strings.TrimSpace(os.Getenv("SCORER_INTERVAL_SECS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ScorerIntervalSecs = n
		}
	}

	return cfg
}
