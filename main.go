package main

import "github.com/kirade/raido/cmd"

func main() {
	cmd.Execute()
}
