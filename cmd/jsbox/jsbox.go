package main

import (
	"os"

	"github.com/stumble/jsbox/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
