// Package main is the reference autoflow binary. It only sees flows
// registered by imported packages; projects embed cli.Main in their own
// binaries alongside their task and flow declarations.
package main

import (
	"os"

	"github.com/flexinfer/autoflow/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:]))
}
