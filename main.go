package main

import "github.com/nextlevelbuilder/agentgate/cmd"

func main() {
	cmd.Execute()
}
