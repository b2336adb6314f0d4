package main

import "github.com/cardpilot/ms-go-autopay/cmd"

func main() {
	cmd.Execute()
}
