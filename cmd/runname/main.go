// Command runname reserves, commits and indexes versioned run names.
package main

import (
	"os"

	"github.com/roach88/runname/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
