package params

import (
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Fee holds the trade-fee parameters. Both are fixed at startup; the engine
// never mutates them.
type Fee struct {
	Account common.Address // accumulates every taker fee
	Percent uint64         // integer percent applied to amount_get on each fill
}

type Node struct {
	ListenAddr string // HTTP/WebSocket gateway bind address
	DBPath     string // Pebble database directory
	LogFile    string // structured log sink (console is always on)
	InMemory   bool   // skip Pebble entirely (dev / tests)
}

type Config struct {
	Fee  Fee
	Node Node
}

func Default() Config {
	return Config{
		Fee: Fee{
			Account: common.HexToAddress("0xFee0000000000000000000000000000000000000"),
			Percent: 1,
		},
		Node: Node{
			ListenAddr: ":8080",
			DBPath:     "data/custodex.db",
			LogFile:    "data/custodex.log",
			InMemory:   false,
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

	if acct := os.Getenv("FEE_ACCOUNT"); acct != "" {
		cfg.Fee.Account = common.HexToAddress(acct)
	}
	if pct := os.Getenv("FEE_PERCENT"); pct != "" {
		if v, err := strconv.ParseUint(pct, 10, 64); err == nil {
			cfg.Fee.Percent = v
		}
	}
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.Node.ListenAddr = addr
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.Node.DBPath = path
	}
	if path := os.Getenv("LOG_FILE"); path != "" {
		cfg.Node.LogFile = path
	}
	if mem := os.Getenv("IN_MEMORY"); mem != "" {
		cfg.Node.InMemory = mem == "true"
	}

	return cfg
}
