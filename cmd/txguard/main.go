// Command txguard trains the transaction anomaly model, scores batches and
// serves the alert review API.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
