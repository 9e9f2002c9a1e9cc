// Command lotscraper scrapes auction lots into structured records.
package main

import (
	"os"

	"github.com/trivalaya/lotscraper/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
