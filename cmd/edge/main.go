package main

import (
	"fmt"
	"os"

	"github.com/polarbookshop/edge-gateway/pkg/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "edge:", err)
		os.Exit(1)
	}
}
