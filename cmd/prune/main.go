// Command prune runs one maintenance sweep over the leased numbers.
package main

import (
	"fmt"
	"os"

	"github.com/AaronLay10/SentientTrips/internal/app"
)

func main() {
	if err := newRootCommand(app.Load).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
