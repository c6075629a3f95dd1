package main

import "github.com/endorses/mercury/cmd"

func main() {
	cmd.Execute()
}
