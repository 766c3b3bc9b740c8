package main

import "embedres/cmd"

func main() {
	cmd.Execute()
}
