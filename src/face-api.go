package main

import "github.com/mtphotos/face-api/src/cmd"

func main() {
	cmd.Execute()
}
