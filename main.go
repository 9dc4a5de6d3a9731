package main

import "github.com/onetaplabs/mirror/cmd"

func main() {
	cmd.Execute()
}
