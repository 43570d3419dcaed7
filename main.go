package main

import (
	"musicsync/cmd"
)

func main() {
	cmd.Execute()
}
