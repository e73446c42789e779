package main

import (
	"github.com/cybernetix3d/arbitrage/internal/cli"
)

func main() {
	cli.Execute()
}
