package main

import "specimen-curator/cmd"

func main() {
	cmd.Execute()
}
