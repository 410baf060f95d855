package main

import "peerchat/cmd"

func main() {
	cmd.Execute()
}
