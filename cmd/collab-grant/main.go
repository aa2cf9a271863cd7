// Package main provides a utility for room grant keys and tokens.
package main

import (
	"os"

	"github.com/louisbranch/findingsync/internal/platform/config"
	"github.com/louisbranch/findingsync/internal/tools/collabgrant"
)

func main() {
	if err := collabgrant.Run(os.Args[1:], os.Stdout); err != nil {
		config.Exitf("collab-grant: %v", err)
	}
}
