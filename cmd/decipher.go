package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirade/raido/internal/cipher"
	"github.com/kirade/raido/internal/output"
	"github.com/kirade/raido/internal/utils"
)

var (
	cipherVersion string
	cipherProgram string
	playerScript  string
	listVersions  bool
)

var decipherCmd = &cobra.Command{
	Use:   "decipher [token]",
	Short: "Run a signature scramble program over a token",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if listVersions {
			versions, err := cipher.KnownVersions()
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			output.PrintHeader("Known player versions")
			for _, version := range versions {
				prog, _ := cipher.Lookup(version)
				output.PrintInfo(fmt.Sprintf("  %s %s %s", version, output.StyleSymbols["arrow"], prog.String()))
			}
			return
		}
		if len(args) == 0 {
			output.PrintError("No token provided")
			os.Exit(1)
		}
		token := args[0]

		prog, err := resolveProgram()
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		if err := cipher.CheckShape(token); err != nil {
			output.PrintWarning(fmt.Sprintf("Token does not look like a signed pair: %v", err))
		}
		deciphered := prog.Decipher(token)
		output.PrintDebug(fmt.Sprintf("Program: %s", prog.String()))
		output.PrintSuccess(deciphered)
	},
}

func resolveProgram() (cipher.Program, error) {
	switch {
	case cipherProgram != "":
		return cipher.ParseProgram(cipherProgram)
	case playerScript != "":
		script, err := os.ReadFile(playerScript)
		if err != nil {
			return cipher.Program{}, fmt.Errorf("reading player script: %w", err)
		}
		version := cipherVersion
		if version == "" {
			base := filepath.Base(playerScript)
			base = strings.TrimSuffix(base, filepath.Ext(base))
			version = strings.TrimSuffix(base, ".min")
		}
		return cipher.Synthesize(version, string(script))
	case cipherVersion != "":
		return cipher.Lookup(cipherVersion)
	default:
		return cipher.Program{}, fmt.Errorf("provide --program, --player, or --pinned version")
	}
}

func init() {
	decipherCmd.Flags().StringVar(&cipherVersion, "pinned", "", "Player version key from the built-in program table")
	decipherCmd.Flags().StringVar(&cipherProgram, "program", "", "Literal program text (like '18447 r s2 w5')")
	decipherCmd.Flags().StringVar(&playerScript, "player", "", "Path to a player script to synthesize the program from")
	decipherCmd.Flags().BoolVar(&listVersions, "list", false, "List player versions in the built-in table")
	rootCmd.AddCommand(decipherCmd)
}
