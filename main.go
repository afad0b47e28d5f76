package main

import "github.com/flickcap/flickcap/cmd"

func main() {
	cmd.Execute()
}
