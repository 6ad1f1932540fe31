package main

import "github.com/bozylik/taskbound/cmd"

func main() {
	cmd.Execute()
}
