package main

import (
	"log"

	"ledgerbridge/services/ledgerbridge"
)

func main() {
	if err := ledgerbridge.Main(); err != nil {
		log.Fatalf("ledgerbridge: %v", err)
	}
}
