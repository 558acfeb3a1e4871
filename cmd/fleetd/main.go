// Command fleetd runs the model-serving control plane: a supervisor that
// places models on worker nodes, the workers themselves, or both in one
// process.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
