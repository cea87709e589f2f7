package main

import "github.com/patchup/patchup/cmd/patchup/cmd"

func main() {
	cmd.Execute()
}
