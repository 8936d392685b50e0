package main

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"fedmint/internal/tiered"
)

var decomposeCmd = &cli.Command{
	Name:      "decompose",
	Usage:     "show how an amount splits into the federation's tiers",
	ArgsUsage: "<amount>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: federationFlag, Usage: "federation file, power-of-two tiers if unset"},
		&cli.IntFlag{Name: tiersFlag, Value: 20, Usage: "number of power-of-two tiers without a federation file"},
	},
	Action: decompose,
}

func decompose(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		return fmt.Errorf("specify an amount")
	}

	amount, err := strconv.ParseUint(ctx.Args().First(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", ctx.Args().First())
	}

	if t := ctx.Int(tiersFlag); t <= 0 || t > 64 {
		return fmt.Errorf("tier count must be in 1..64, got %d", t)
	}

	tiers := tiered.PowerOfTwoTiers(ctx.Int(tiersFlag))

	if path := ctx.String(federationFlag); path != "" {
		fed, err := loadFederation(path)
		if err != nil {
			return err
		}

		if tiers, err = fed.tiers(); err != nil {
			return err
		}
	}

	counts, err := tiers.Decompose(tiered.Amount(amount))
	if err != nil {
		return err
	}

	fmt.Fprintf(ctx.App.Writer, "%v\n", counts.Sorted())
	fmt.Fprintf(ctx.App.Writer, "%d coins, total %d\n", counts.Len(), counts.Total())

	return nil
}
