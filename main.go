package main

import "github.com/metal-toolbox/vmbus/cmd"

func main() {
	cmd.Execute()
}
