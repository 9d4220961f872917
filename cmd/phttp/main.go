// Command phttp sends one request through a persistent-connection client and
// prints the status and body.
//
// Usage:
//
//	phttp get /users --base-url https://api.example.com -H 'Accept: application/json'
//	phttp post /users -d '{"name":"ada"}' --config client.yaml --select id
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "phttp:", err)
		os.Exit(1)
	}
}
