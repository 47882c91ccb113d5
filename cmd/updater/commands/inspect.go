package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/openfroyo/otaupdater/pkg/ops"
	"github.com/openfroyo/otaupdater/pkg/ops/builtin"
	"github.com/openfroyo/otaupdater/pkg/ops/install"
	"github.com/openfroyo/otaupdater/pkg/pkgloader"
	"github.com/openfroyo/otaupdater/pkg/script"
	"github.com/openfroyo/otaupdater/pkg/updater"
)

func newInspectCommand() *cobra.Command {
	var scriptOnly bool
	var check bool

	cmd := &cobra.Command{
		Use:   "inspect <package>",
		Short: "List the entries of an update package and print its script",
		Long: `Load an update package the same way an update attempt does, list its
entries and print the update script. Nothing is executed. A package that
cannot be opened, has no update script or whose script cannot be read
exits with the same code an update attempt would (3, 4 or 5). With --check
the script is also parsed against the builtin and install operations, and
parse errors exit 6.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, err := pkgloader.Load(args[0])
			if err != nil {
				return err
			}
			defer pkg.Close()

			out := cmd.OutOrStdout()
			if !scriptOnly {
				fmt.Fprintf(out, "Package: %s (%d bytes)\n\n", pkg.Path(), pkg.Size())
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SIZE\tCOMPRESSED\tMETHOD\tNAME")
				for _, e := range pkg.Entries() {
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", e.UncompressedSize, e.CompressedSize, methodName(e.Method), e.Name)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintln(out)
			}

			text, err := pkgloader.LoadScript(pkg)
			if err != nil {
				return err
			}
			if !scriptOnly {
				fmt.Fprintf(out, "--- %s ---\n", updater.ScriptPath)
			}
			fmt.Fprint(out, text)

			if check {
				if err := checkScript(text); err != nil {
					return err
				}
				if !scriptOnly {
					fmt.Fprintln(out, "--- script parses ---")
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&scriptOnly, "script", false, "print only the update script")
	cmd.Flags().BoolVar(&check, "check", false, "parse the script against the shipped operations (exit 6 on errors)")

	return cmd
}

func methodName(method uint16) string {
	switch method {
	case zip.Store:
		return "store"
	case zip.Deflate:
		return "deflate"
	case zstd.ZipMethodWinZip:
		return "zstd"
	default:
		return fmt.Sprintf("method(%d)", method)
	}
}

// checkScript parses text the way an update attempt does.
func checkScript(text string) error {
	table, err := ops.NewBuilder().Add(builtin.New()).Add(install.New()).Build()
	if err != nil {
		return updater.NewError(updater.KindRegistration, "failed to register operations", err)
	}
	_, count, err := script.NewStarlark(table).Parse(text)
	if err != nil || count > 0 {
		return updater.NewError(updater.KindSyntax, fmt.Sprintf("%d parse errors", count), err)
	}
	return nil
}
