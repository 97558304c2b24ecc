package main

import "github.com/nextlevelbuilder/crisprelay/cmd"

func main() {
	cmd.Execute()
}
