package main

import (
	"os"

	"github.com/tidecrawl/tidecrawl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
