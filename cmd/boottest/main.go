package main

import (
	"context"
	"os"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/cli"
)

func main() {
	ctx := context.Background()
	bootTestCLI := cli.NewBootTestCLI()
	if err := cli.NewBootTestCmd(bootTestCLI).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
