package main

import "github.com/vietddude/netsession/internal/cli"

func main() {
	cli.Execute()
}
