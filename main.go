package main

import (
	"github.com/ix-project/zygos/cmd"
)

func main() {
	cmd.Execute()
}
