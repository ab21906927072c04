package main

import "github.com/liamg/connscan/cmd"

func main() {
	cmd.Execute()
}
