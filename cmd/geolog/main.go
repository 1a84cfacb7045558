package main

import (
	"github.com/flybeeper/geolog/internal/cli"
)

var (
	// Version будет установлен при сборке через ldflags
	Version = "dev"
)

func main() {
	cli.Version = Version
	cli.Execute()
}
