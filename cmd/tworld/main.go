// Command tworld runs and administers a Tworld server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tworld:", err)
		os.Exit(1)
	}
}
