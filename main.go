package main

import "github.com/crosnoe/evmsniper/cmd"

func main() {
	cmd.Execute()
}
