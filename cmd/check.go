package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/image-registry-checker/internal/checker"
)

// Exit codes of the check command.
const (
	exitImageMissing = 1
	exitLookupFailed = 2
)

// newCheckCmd runs a single lookup with the configured backend and exits with
// 0 when the image exists, 1 when it does not and 2 when the lookup failed.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check IMAGE",
		Short: "Check a single image reference and exit",
		Example: `  image-registry-checker check docker.io/nginx
  image-registry-checker check --backend registry ghcr.io/org/app:v1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			image := args[0]

			outcome, err := appInstance.Checker().Check(cmd.Context(), image)
			switch outcome {
			case checker.Exists:
				fmt.Fprintln(cmd.OutOrStdout(), existsMessage)
				return nil
			case checker.NotFound:
				fmt.Fprintf(cmd.OutOrStdout(), "Image %s does not exist\n", image)
				return &exitError{code: exitImageMissing}
			default:
				if err == nil {
					err = checker.ErrLookupFailed
				}
				return &exitError{code: exitLookupFailed, err: fmt.Errorf("check %s: %w", image, err)}
			}
		},
	}
}

const existsMessage = "ok"
