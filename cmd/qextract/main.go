/**
 * qextract - command line front end for the question extraction pipeline
 *
 * Runs the same pipeline as the worker in-process, without queue, Redis or
 * storage. Useful for tuning thresholds against sample papers.
 */

package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
