package config

import (
	"log"
	"reflect"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/shopspring/decimal"
)

type Config struct {
	API struct {
		Port int `env:"PORT" envDefault:"8080"`
	}
	App struct {
		LogLevel    string `env:"LOG_LEVEL" envDefault:"INFO"`
		MetricsPort int    `env:"METRICS_PORT" envDefault:"9010"`
	}
	Ledger struct {
		// Endpoint is the websocket interface of the ledger node.
		Endpoint string `env:"LEDGER_ENDPOINT" envDefault:"wss://s.altnet.rippletest.net:51233"`
		// ReceiverAddress is the monitored account invoices are payable to.
		ReceiverAddress string `env:"RECEIVER_ADDRESS,required"`
		// WalletSeed enables the notary path when set (32-byte hex).
		WalletSeed        string        `env:"WALLET_SEED"`
		NotaryDestination string        `env:"NOTARY_DESTINATION"`
		PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"60s"`
		// LookbackLedgers is the overlap margin between consecutive poll
		// windows, covering asynchronous validation delays.
		LookbackLedgers uint32 `env:"LOOKBACK_LEDGERS" envDefault:"20"`
		PageLimit       int    `env:"PAGE_LIMIT" envDefault:"50"`
		SeenCapacity    int    `env:"SEEN_CAPACITY" envDefault:"4096"`
	}
	Reconciler struct {
		// AmountTolerance is the absolute difference still accepted as
		// payment in full. Zero means the exact amount is required.
		AmountTolerance decimal.Decimal `env:"AMOUNT_TOLERANCE" envDefault:"0"`
	}
	Storage struct {
		// DatabasePath is the sqlite file; empty selects the in-memory store.
		DatabasePath string `env:"DATABASE_PATH" envDefault:"ursapay.db"`
	}
	Issuer struct {
		Name string `env:"ISSUER_NAME" envDefault:"UrsaDeFi"`
	}
}

func Load() Config {
	var c Config
	if err := env.ParseWithFuncs(&c, map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(decimal.Decimal{}): func(v string) (interface{}, error) {
			return decimal.NewFromString(v)
		}}); err != nil {
		log.Panicf("[‼️  Config parsing failed] %+v\n", err)
	}
	return c
}
