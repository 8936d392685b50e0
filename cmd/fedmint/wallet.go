package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"fedmint/client"
	"fedmint/internal/mint"
	"fedmint/internal/tiered"
)

const (
	apiFlag      = "api"
	spendKeyFlag = "spend-keys"
)

var apiAddrFlag = &cli.StringFlag{
	Name:    apiFlag,
	Value:   "127.0.0.1:8080",
	Usage:   "HTTP address of a mint peer",
	EnvVars: []string{"FEDMINT_API"},
}

var issueCmd = &cli.Command{
	Name:      "issue",
	Usage:     "have an amount signed by the federation and print the coins",
	ArgsUsage: "<amount>",
	Flags: []cli.Flag{
		apiAddrFlag,
		&cli.StringFlag{Name: spendKeyFlag, Usage: "file receiving the hex spend key of each coin"},
	},
	Action: issue,
}

var verifyCmd = &cli.Command{
	Name:      "verify",
	Usage:     "check coins against the federation keys",
	ArgsUsage: "<coins>",
	Flags:     []cli.Flag{apiAddrFlag},
	Action:    verify,
}

func issue(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		return fmt.Errorf("specify an amount to issue")
	}

	amount, err := strconv.ParseUint(ctx.Args().First(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", ctx.Args().First())
	}

	c := client.New(ctx.String(apiFlag))

	coins, err := c.Issue(ctx.Context, tiered.Amount(amount))
	if err != nil {
		return err
	}

	plain := make([]mint.Coin, len(coins))
	keys := make([]string, len(coins))

	for i, sc := range coins {
		plain[i] = sc.Coin
		keys[i] = hex.EncodeToString(sc.Key.Bytes())
	}

	if path := ctx.String(spendKeyFlag); path != "" {
		if err := os.WriteFile(path, []byte(strings.Join(keys, "\n")+"\n"), 0600); err != nil {
			return fmt.Errorf("write spend keys:\n%w", err)
		}
	}

	encoded, err := mint.EncodeCoins(plain)
	if err != nil {
		return err
	}

	fmt.Fprintln(ctx.App.Writer, encoded)

	return nil
}

func verify(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		return fmt.Errorf("specify coins to verify")
	}

	coins, err := mint.DecodeCoins(ctx.Args().First())
	if err != nil {
		return err
	}

	verdict, err := client.New(ctx.String(apiFlag)).Verify(ctx.Context, coins)
	if err != nil {
		return err
	}

	if len(verdict.Valid) != len(coins) {
		return fmt.Errorf("peer judged %d coins, sent %d", len(verdict.Valid), len(coins))
	}

	for i, c := range coins {
		fmt.Fprintf(ctx.App.Writer, "%d\t%v\n", c.Tier, verdict.Valid[i])
	}

	fmt.Fprintf(ctx.App.Writer, "valid total %d\n", verdict.Total)

	return nil
}
