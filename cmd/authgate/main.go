package main

import (
	"os"

	"github.com/awnumar/memguard"

	"github.com/gpagliara/authgate/cmd/authgate/cmd"
)

func main() {
	code := cmd.Execute()
	// Wipe every enclave and locked buffer before the process exits.
	memguard.Purge()
	os.Exit(code)
}
