package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"annbench/internal/report"

	"github.com/spf13/cobra"
)

func summarizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summarize <result files...>",
		Short: "Print the result table and summary of stored runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				res, err := report.Read(path)
				if err != nil {
					return err
				}
				res.Summary = report.Summarize(res.Results)

				fmt.Printf("== %s\n", path)
				if err := report.PrintTable(os.Stdout, res); err != nil {
					return err
				}

				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res.Summary); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
