package main

import "github.com/jmcleod/trustgate/cmd/trustgate/cmd"

func main() {
	cmd.Execute()
}
