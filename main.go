package main

import "adsets/cmd"

func main() {
	cmd.Execute()
}
