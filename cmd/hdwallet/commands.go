package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/listener"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/syncer"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/tx"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/wallet"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type addCommand struct {
	Label    string `long:"label" description:"Wallet label"`
	Mnemonic string `long:"mnemonic" description:"BIP39 mnemonic to import; a new one is generated when empty"`
}

func (x *addCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand("add", "Add a wallet",
		"Import a BIP39 mnemonic or generate a new one and store it", x)
	return err
}

func (x *addCommand) Execute(_ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mnemonic, generated := x.Mnemonic, false
	if mnemonic == "" {
		if mnemonic, err = wallet.GenerateMnemonic(); err != nil {
			return err
		}
		generated = true
	}
	id, err := a.store.Add(a.cfg.Network, mnemonic, x.Label)
	if err != nil {
		return err
	}

	fmt.Printf("wallet %d added\n", id)
	if generated {
		fmt.Printf("mnemonic: %s\n", mnemonic)
	}
	return nil
}

type listCommand struct{}

func (x *listCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand("list", "List wallets",
		"List the wallets of the configured network", x)
	return err
}

func (x *listCommand) Execute(_ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.List(a.cfg.Network)
	if err != nil {
		return err
	}
	return printJSON(records)
}

type walletOption struct {
	Wallet int64 `long:"wallet" short:"w" description:"Wallet id" required:"true"`
}

type showCommand struct {
	walletOption
	Audit bool `long:"audit" description:"Compare every used address with the provider's balance and unspent outputs"`
}

func (x *showCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand("show", "Show a wallet",
		"Discover and sync a wallet and print its addresses, balance and UTXOs", x)
	return err
}

func (x *showCommand) Execute(_ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.load(context.Background(), x.Wallet)
	if err != nil {
		return err
	}
	out := struct {
		Wallet *models.WalletRecord `json:"wallet"`
		State  syncer.Snapshot      `json:"state"`
		Audit  *syncer.AuditReport  `json:"audit,omitempty"`
	}{Wallet: e.record, State: e.syncer.State().Snapshot()}
	if x.Audit {
		if out.Audit, err = e.syncer.Audit(context.Background()); err != nil {
			return err
		}
	}
	return printJSON(out)
}

type receiveCommand struct {
	walletOption
	Account uint32 `long:"account" description:"Account number"`
}

func (x *receiveCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand("receive", "Get a receive address",
		"Print the next unused receive address within the gap window", x)
	return err
}

func (x *receiveCommand) Execute(_ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.load(context.Background(), x.Wallet)
	if err != nil {
		return err
	}
	addr, err := e.syncer.NextReceiveAddress(x.Account)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %s\n", addr.Encoded, e.keys.Path(addr.Account, addr.Chain, addr.Index))
	return nil
}

type spendOptions struct {
	To    string   `long:"to" description:"Destination address" required:"true"`
	UTXOs []string `long:"utxo" description:"Output to spend as txid:vout, repeatable" required:"true"`
}

type feesCommand struct {
	walletOption
	spendOptions
}

func (x *feesCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand("fees", "Preview fees",
		"Estimate the fee of spending the named outputs for every confirmation target", x)
	return err
}

func (x *feesCommand) Execute(_ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ops, err := parseOutPoints(x.UTXOs)
	if err != nil {
		return err
	}
	ctx := context.Background()
	e, err := a.load(ctx, x.Wallet)
	if err != nil {
		return err
	}
	estimates, err := e.builder.FeeEstimates(ctx, ops, x.To)
	if err != nil {
		return err
	}
	return printJSON(estimates)
}

type sendCommand struct {
	walletOption
	spendOptions
	Value int64  `long:"value" description:"Amount in satoshis" required:"true"`
	Fee   int64  `long:"fee" description:"Fee in satoshis; estimated when 0"`
	Key   string `long:"key" description:"Idempotency key; repeating a send with the same key returns the first result"`
}

func (x *sendCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand("send", "Send bitcoin",
		"Build, sign and broadcast a transaction spending the named outputs", x)
	return err
}

func (x *sendCommand) Execute(_ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ops, err := parseOutPoints(x.UTXOs)
	if err != nil {
		return err
	}
	ctx := context.Background()
	e, err := a.load(ctx, x.Wallet)
	if err != nil {
		return err
	}
	res, err := e.builder.Send(ctx, tx.SendRequest{
		IdempotencyKey: x.Key,
		Value:          x.Value,
		UTXOs:          ops,
		Destination:    x.To,
		Fee:            x.Fee,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

type watchCommand struct {
	Wallets []int64 `long:"wallet" short:"w" description:"Wallet id, repeatable" required:"true"`
}

func (x *watchCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand("watch", "Watch wallets",
		"Re-sync wallets periodically and print balance changes until interrupted", x)
	return err
}

func (x *watchCommand) Execute(_ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := listener.NewPoller(a.cfg.PollInterval)
	for _, id := range x.Wallets {
		e, err := a.open(id)
		if err != nil {
			return err
		}
		p.Watch(id, e.syncer)
	}

	if err := p.Start(ctx); err != nil {
		return err
	}
	go p.Dispatch(func(ev models.BalanceEvent) error {
		return printJSON(ev)
	})

	<-ctx.Done()
	return p.Stop()
}
