package main

import "github.com/papapumpkin/magnetar/cmd"

func main() {
	cmd.Execute()
}
