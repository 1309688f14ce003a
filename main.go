package main

import (
	"github.com/Shiu/dynamic-presence/cmd"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, buildDate)

	cmd.Execute()
}
