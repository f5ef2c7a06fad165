package main

import (
	"os"

	"github.com/go-delve/covtrace/cmd/covtrace/cmds"
)

func main() {
	os.Exit(cmds.Execute(os.Args[1:]))
}
