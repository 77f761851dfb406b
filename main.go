package main

import "github.com/kallio-sound/gapstream/cmd"

func main() {
	cmd.Execute()
}
