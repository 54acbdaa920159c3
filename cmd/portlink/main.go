package main

import (
	"os"

	"github.com/ggoodman/portlink-go/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
