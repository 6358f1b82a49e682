// Command synxpo-client is the process entrypoint for the SynXpo desktop
// sync client.
package main

import (
	"fmt"
	"os"

	"github.com/synxpo/synxpo/cmd/synxpo-client/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
