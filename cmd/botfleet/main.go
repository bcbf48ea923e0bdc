package main

import "botfleet/internal/cli"

func main() {
	cli.Execute()
}
