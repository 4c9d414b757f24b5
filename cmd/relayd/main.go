package main

import "github.com/LeJamon/trustrelay/internal/cli"

func main() {
	cli.Execute()
}
