// The vmsim command drives the virtual memory simulator with a trace of
// read, write, free, and process-switch requests.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/tebeka/atexit"
)

func main() {
	// Environment files can preset the VMSIM_* defaults for the flags.
	_ = godotenv.Load()

	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
