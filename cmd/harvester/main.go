package main

import cmd "github.com/rohmanhakim/harvester/internal/cli"

func main() {
	cmd.Execute()
}
