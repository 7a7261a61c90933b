package main

import (
	"os"

	"github.com/databricks-solutions/apx/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cli.Version = version
	os.Exit(cli.Execute())
}
