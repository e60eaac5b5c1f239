// main.go
//
// xraysim entry point. Subcommands live in cmd/; see cmd/root.go for the
// command tree and config precedence.

package main

import (
	"github.com/inference-sim/xraysim/cmd"
)

func main() {
	cmd.Execute()
}
