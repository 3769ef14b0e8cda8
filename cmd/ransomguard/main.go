// Command ransomguard trains, exports and applies the ransomware write
// classifier.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ransomguard:", err)
		os.Exit(1)
	}
}
