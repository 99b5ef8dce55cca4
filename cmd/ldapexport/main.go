package main

import (
	"fmt"
	"os"

	"github.com/kressin/ldapexport/internal/cli"
)

func main() {
	if err := cli.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ldapexport: %v\n", err)
		os.Exit(1)
	}
}
