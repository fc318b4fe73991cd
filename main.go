package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/overmindtech/registrar/cmd"
)

func main() {
	cmd.Execute()
}
