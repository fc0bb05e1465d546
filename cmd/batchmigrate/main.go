package main

import (
	"fmt"
	"os"

	"github.com/tigrisdata/batchmigrate/registry"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := registry.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
