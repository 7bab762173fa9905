package main

import (
	"fmt"
	"os"

	"github.com/leptonai/gpuctl/cmd/gpuctl/command"
)

func main() {
	app := command.App()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
