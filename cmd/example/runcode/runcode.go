package main

import (
	"context"
	"fmt"

	"github.com/stumble/jsbox/pkg/sandbox"
)

func main() {
	cfg := sandbox.DefaultConfig()
	sb, err := sandbox.New(cfg)
	if err != nil {
		panic(err)
	}
	defer sb.Close()

	res, err := sb.Evaluate(
		context.Background(),
		"window.f = (data) => { return {a: data.X, b: atob(data.Y)} };",
	)
	if err != nil {
		panic(err)
	}
	fmt.Println(res)
	res, err = sb.Evaluate(context.Background(), `f({X: 1, Y: "aGk="});`)
	if err != nil {
		panic(err)
	}
	fmt.Println(res)
}
