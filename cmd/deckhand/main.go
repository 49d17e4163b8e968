package main

import "github.com/Dicklesworthstone/deckhand/internal/cli"

func main() {
	cli.Execute()
}
