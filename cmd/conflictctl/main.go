// Command conflictctl inspects and resolves conflicting document revisions
// in a multi-master document store.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
