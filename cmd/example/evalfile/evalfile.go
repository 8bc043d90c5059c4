package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/stumble/jsbox/pkg/client"
)

// readFileToString reads the contents of the file specified by filename
// and returns it as a string.
func readFileToString(filename string) (string, error) {
	// #nosec G304 -- This is an example program that intentionally opens user-specified files
	file, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return "", err
	}

	return string(bytes), nil
}

// Runs a script file against a jsbox service, then prints the value of an
// expression, e.g. the token a challenge script leaves on window:
//
//	go run ./cmd/example/evalfile http://localhost:8000 challenge.js window.AJAX_TOKEN
func main() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: go run evalfile.go <url> <filename> <expression>")
		os.Exit(1)
	}
	url := os.Args[1]
	filename := os.Args[2]
	expr := os.Args[3]

	code, err := readFileToString(filename)
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	c := client.New(url)
	if err := c.Exec(ctx, code); err != nil {
		panic(err)
	}

	res, err := c.Eval(ctx, expr)
	if err != nil {
		panic(err)
	}
	fmt.Println(string(res))
}
