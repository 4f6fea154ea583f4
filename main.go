package main

import "github.com/deploymenttheory/go-diskimage/cmd"

func main() {
	cmd.Execute()
}
