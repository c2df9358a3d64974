package main

import "github.com/kpelzel/pixel-pusher/cmd"

func main() {
	cmd.Execute()
}
