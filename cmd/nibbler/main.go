package main

import (
	"os"

	"github.com/nibbler-dev/nibbler/cmd/nibbler/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
