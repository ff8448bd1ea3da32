package main

import "github.com/acheron-mq/acheron/cmd/acheron/cmd"

func main() {
	cmd.Execute()
}
