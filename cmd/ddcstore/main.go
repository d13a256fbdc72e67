package main

import "github.com/agenthands/ddcstore/cmd/ddcstore/cmd"

func main() {
	cmd.Execute()
}
