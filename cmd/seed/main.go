// Command seed populates a fresh database with demo state: two funded users,
// a cancelled order, three filled trades and a ladder of open orders on both
// sides of the market. Run it before custodexd to get a non-empty book.
package main

import (
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/custodex/custodex/params"
	"github.com/custodex/custodex/pkg/exchange"
	"github.com/custodex/custodex/pkg/exchange/asset"
	"github.com/custodex/custodex/pkg/exchange/book"
	"github.com/custodex/custodex/pkg/exchange/ledger"
	"github.com/custodex/custodex/pkg/storage"
	"github.com/custodex/custodex/pkg/token"
	"github.com/custodex/custodex/pkg/util"
)

var (
	dapp = asset.Asset{
		ID:       common.HexToAddress("0xDa00000000000000000000000000000000000001"),
		Symbol:   "DAPP",
		Name:     "DApp Token",
		Decimals: asset.Decimals,
	}
	user1 = common.HexToAddress("0x1000000000000000000000000000000000000001")
	user2 = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	store, err := storage.NewPebbleStore(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("open_store", "path", cfg.Node.DBPath, "err", err)
	}
	defer store.Close()

	led := ledger.New()
	bk := book.New()
	registry := asset.NewRegistry()
	if err := store.Load(led, bk, registry); err != nil {
		sugar.Fatalw("load_state", "err", err)
	}
	if bk.Counter() != 0 {
		sugar.Fatalw("refusing to seed a non-empty database", "orders", bk.Counter())
	}

	// Deploy the token with its supply held by user1, the way the original
	// deployer address held it.
	bank := token.NewBank()
	must(bank.Deploy(dapp, asset.Units(1_000_000), user1), sugar)
	must(registry.Register(&dapp), sugar)
	must(store.SaveAsset(&dapp), sugar)

	engine := exchange.New(exchange.Options{
		Ledger:   led,
		Book:     bk,
		Registry: registry,
		Tokens:   &token.Client{Bank: bank, Self: exchange.ExchangeAccount},
		Bridge:   exchange.ReleaseFunc(func(common.Address, *big.Int) error { return nil }),
		Store:    store,
		Fee:      cfg.Fee,
		Logger:   sugar,
	})
	defer engine.Close()

	// Give tokens to user2.
	must(bank.Transfer(dapp.ID, user1, user2, asset.Units(10_000)), sugar)

	// User1 deposits native currency; user2 approves and deposits tokens.
	must(engine.DepositNative(user1, asset.Units(1)), sugar)
	must(bank.Approve(dapp.ID, user2, exchange.ExchangeAccount, asset.Units(10_000)), sugar)
	must(engine.DepositToken(user2, dapp.ID, asset.Units(10_000)), sugar)

	// A cancelled order.
	o, err := engine.MakeOrder(user1, dapp.ID, asset.Units(100), asset.Native, asset.Fraction(1, 10))
	must(err, sugar)
	must(engine.CancelOrder(user1, o.ID), sugar)

	// Three filled trades.
	fills := []struct{ get, give *big.Int }{
		{asset.Units(100), asset.Fraction(1, 10)},
		{asset.Units(50), asset.Fraction(1, 100)},
		{asset.Units(200), asset.Fraction(15, 100)},
	}
	for _, f := range fills {
		o, err := engine.MakeOrder(user1, dapp.ID, f.get, asset.Native, f.give)
		must(err, sugar)
		must(engine.FillOrder(user2, o.ID), sugar)
	}

	// Ten open orders per side.
	for i := int64(1); i <= 10; i++ {
		_, err := engine.MakeOrder(user1, dapp.ID, asset.Units(10*i), asset.Native, asset.Fraction(1, 100))
		must(err, sugar)
	}
	for i := int64(1); i <= 10; i++ {
		_, err := engine.MakeOrder(user2, asset.Native, asset.Fraction(1, 100), dapp.ID, asset.Units(10*i))
		must(err, sugar)
	}

	sugar.Infow("seeded", "orders", engine.OrderCounter(), "db", cfg.Node.DBPath)
}

func must(err error, sugar *zap.SugaredLogger) {
	if err != nil {
		sugar.Fatalw("seed", "err", err)
	}
}
