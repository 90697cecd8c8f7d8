package main

import "github.com/al-how/claude-conductor/cmd"

func main() {
	cmd.Execute()
}
