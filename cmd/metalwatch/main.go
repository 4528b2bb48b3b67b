package main

import "metalwatch/internal/cli"

func main() {
	cli.Execute()
}
