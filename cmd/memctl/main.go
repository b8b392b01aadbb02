// Command memctl operates a memory store from the shell: it prepares the
// schema, ingests text, previews recall and injected context, and removes
// memories. Configuration comes from MEMORY_* environment variables.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
