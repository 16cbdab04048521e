package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kirade/raido/internal/output"
	"github.com/kirade/raido/internal/utils"
)

var cleanCmd = &cobra.Command{
	Use:   "clean [path]",
	Short: "Clean up temporary files left by interrupted transfers",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		var err error
		switch {
		case len(args) == 0:
			err = utils.CleanLocal()
		case isDir(args[0]):
			err = os.RemoveAll(filepath.Join(args[0], utils.TempDirName))
		default:
			err = utils.CleanFunction(args[0])
		}
		if err != nil {
			output.PrintError("Error cleaning up temporary files")
			os.Exit(1)
		}
		output.PrintSuccess("Temporary files cleaned up")
	},
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}
