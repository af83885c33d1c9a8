package main

import (
	"fmt"
	"os"

	"annbench/cmd/annbench/commands"

	// search backends
	_ "annbench/internal/backend/flat"
	_ "annbench/internal/backend/pgvector"
	_ "annbench/internal/backend/qdrant"
	_ "annbench/internal/backend/weaviate"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
