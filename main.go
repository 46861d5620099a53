package main

import "github.com/theirongolddev/cdispatch/cmd"

func main() {
	cmd.Execute()
}
