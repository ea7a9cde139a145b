package main

import "github.com/RamadhanIbnu/wsrelay/cmd/wsrelay/cmd"

func main() {
	cmd.Execute()
}
