// Package main is the entry point for the idgov binary.
package main

import (
	"os"

	"idgov/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
