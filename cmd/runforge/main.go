package main

import "github.com/ppiankov/runforge/internal/cli"

func main() {
	cli.Execute()
}
