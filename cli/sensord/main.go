// Package main is the sensord command itself.
package main

import (
	"log"
	"os"

	"github.com/envsense/hal/cli"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
