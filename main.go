package main

import "github.com/qbench/qbench/cli"

func main() {
	cli.Execute()
}
