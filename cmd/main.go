package main

import (
	"log"

	"github.com/victornm/echallenge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Fatalf("echallenge: %v", err)
	}
}
