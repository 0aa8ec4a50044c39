package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var uploadWait bool

var uploadCmd = &cobra.Command{
	Use:     "upload <file>",
	Short:   "Upload a file and count its lines and characters",
	Example: `  taskctl upload README.md --wait`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		resp, err := newClient().Upload(cmd.Context(), filepath.Base(args[0]), f)
		if err != nil {
			return err
		}
		if !uploadWait {
			return printJSON(resp)
		}
		return waitAndPrint(cmd, resp.TaskID)
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().BoolVar(&uploadWait, "wait", false, "wait for the task to finish")
}
