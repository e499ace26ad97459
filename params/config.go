package params

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Market struct {
	// TaxRateBps is the transaction tax in basis points, charged on the
	// notional of every fill (20 = 0.2%). Replay runs with 0 so cumulative
	// amounts line up with the historical snapshots.
	TaxRateBps int64
	// TickCents is the minimum price increment in cents.
	TickCents int64
	// LimitBandBps is the price limit band around the anchor price in basis
	// points (1000 = ±10%). 0 disables the band check.
	LimitBandBps int64
	Symbols      []string
	// DefaultCashCents is the opening cash balance for new accounts.
	DefaultCashCents int64
}

type Node struct {
	DataDir string
	APIAddr string
	LogFile string
}

type Replay struct {
	// SinkAccount is the ledger id of the universal counterparty used when
	// replaying inferred tick actions.
	SinkAccount int64
	// SinkCashCents / SinkShares seed the sink so it can absorb any flow.
	SinkCashCents int64
	SinkShares    int64
}

type Config struct {
	Market Market
	Node   Node
	Replay Replay
}

func Default() Config {
	return Config{
		Market: Market{
			TaxRateBps:       20,
			TickCents:        1,
			LimitBandBps:     0,
			Symbols:          []string{"000009.XSHE"},
			DefaultCashCents: 10_000_000, // 100,000.00
		},
		Node: Node{
			DataDir: "data/marketsim",
			APIAddr: ":8080",
			LogFile: "data/marketsim.log",
		},
		Replay: Replay{
			SinkAccount:   1,
			SinkCashCents: 100_000_000_000_000,
			SinkShares:    10_000_000_000,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("TAX_RATE_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Market.TaxRateBps = n
		}
	}
	if v := os.Getenv("TICK_CENTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Market.TickCents = n
		}
	}
	if v := os.Getenv("LIMIT_BAND_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Market.LimitBandBps = n
		}
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		cfg.Market.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("DEFAULT_CASH_CENTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Market.DefaultCashCents = n
		}
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	if v := os.Getenv("SINK_ACCOUNT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Replay.SinkAccount = n
		}
	}
	if v := os.Getenv("SINK_CASH_CENTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Replay.SinkCashCents = n
		}
	}
	if v := os.Getenv("SINK_SHARES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Replay.SinkShares = n
		}
	}

	return cfg
}
