package main

import "github.com/kkatwk9/versize/cmd"

func main() {
	cmd.Execute()
}
