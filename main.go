package main

import "github.com/cosmobot/cosmo/cmd"

func main() {
	cmd.Execute()
}
