package main

import (
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodex/custodex/params"
	"github.com/custodex/custodex/pkg/api"
	"github.com/custodex/custodex/pkg/exchange"
	"github.com/custodex/custodex/pkg/exchange/asset"
	"github.com/custodex/custodex/pkg/exchange/book"
	"github.com/custodex/custodex/pkg/exchange/ledger"
	"github.com/custodex/custodex/pkg/storage"
	"github.com/custodex/custodex/pkg/token"
	"github.com/custodex/custodex/pkg/util"
)

// defaultToken is the dev-net token deployed at startup when none exists.
var defaultToken = asset.Asset{
	ID:       common.HexToAddress("0xDa00000000000000000000000000000000000001"),
	Symbol:   "DAPP",
	Name:     "DApp Token",
	Decimals: asset.Decimals,
}

func main() {
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	led := ledger.New()
	bk := book.New()
	registry := asset.NewRegistry()

	var store exchange.Store
	var pebbleStore *storage.PebbleStore
	if !cfg.Node.InMemory {
		pebbleStore, err = storage.NewPebbleStore(cfg.Node.DBPath)
		if err != nil {
			sugar.Fatalw("open_store", "path", cfg.Node.DBPath, "err", err)
		}
		defer pebbleStore.Close()

		if err := pebbleStore.Load(led, bk, registry); err != nil {
			sugar.Fatalw("load_state", "err", err)
		}
		store = pebbleStore
		sugar.Infow("state_loaded", "orders", bk.Counter(), "db", cfg.Node.DBPath)
	}

	// Token service: an in-process bank on a dev-net; a remote client when
	// the exchange custodies real tokens.
	bank := token.NewBank()
	if !registry.Known(defaultToken.ID) {
		if err := bank.Deploy(defaultToken, asset.Units(1_000_000), exchange.ExchangeAccount); err != nil {
			sugar.Fatalw("deploy_token", "err", err)
		}
		if err := registry.Register(&defaultToken); err != nil {
			sugar.Fatalw("register_token", "err", err)
		}
		if pebbleStore != nil {
			if err := pebbleStore.SaveAsset(&defaultToken); err != nil {
				sugar.Fatalw("save_token", "err", err)
			}
		}
		sugar.Infow("token_deployed", "id", defaultToken.ID.Hex(), "symbol", defaultToken.Symbol)
	}

	engine := exchange.New(exchange.Options{
		Ledger:   led,
		Book:     bk,
		Registry: registry,
		Tokens:   &token.Client{Bank: bank, Self: exchange.ExchangeAccount},
		// Dev-net bridge: releasing native funds always succeeds. A real
		// deployment wires the payment rail here.
		Bridge: exchange.ReleaseFunc(func(common.Address, *big.Int) error { return nil }),
		Store:  store,
		Fee:    cfg.Fee,
		Logger: sugar,
	})
	defer engine.Close()

	sugar.Infow("engine_ready", "fee_account", cfg.Fee.Account.Hex(), "fee_percent", cfg.Fee.Percent)

	server := api.NewServer(engine, sugar)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Node.ListenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		sugar.Infow("shutdown", "signal", sig.String())
	case err := <-errCh:
		sugar.Fatalw("gateway", "err", err)
	}
}
