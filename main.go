package main

import "github.com/merklefetch/merklefetch/cli"

func main() {
	cli.Execute()
}
