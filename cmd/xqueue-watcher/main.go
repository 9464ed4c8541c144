// Command xqueue-watcher runs the grading worker pool.
package main

import (
	"fmt"
	"os"

	"github.com/jpequegn/xqueue-watcher/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
