// timedim builds, stores and queries lagged feature panels.
package main

import (
	"os"

	"github.com/quantfold/timedim/internal/cli"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	os.Exit(cli.Execute(Version))
}
