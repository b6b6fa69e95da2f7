// Command revregctl inspects the revocation registries and saga events of a
// revreg profile.
package main

import (
	"os"

	"github.com/randalmurphal/revreg/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
