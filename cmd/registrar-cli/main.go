package main

import "github.com/platinummonkey/registrar/pkg/cli"

func main() {
	cli.Main()
}
