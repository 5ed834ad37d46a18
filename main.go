package main

import "github.com/shipagent/ship/cmd"

func main() {
	cmd.Execute()
}
