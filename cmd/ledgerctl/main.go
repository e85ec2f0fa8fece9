// Command ledgerctl is the operator CLI for the credit ledger. It works
// directly against the Postgres database named by DATABASE_URL.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
