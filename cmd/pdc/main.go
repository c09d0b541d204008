/*
This is the entrypoint for the pdc binary.
*/
package main

import (
	"fmt"
	"os"

	"github.com/hpc-io/pdc-sub007/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
