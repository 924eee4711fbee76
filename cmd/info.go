package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show scanner availability and capabilities",
		Long: `Probes the configured scanner with scanimage and prints whether it is
reachable, plus the sources, modes, and resolutions it reports.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			_, device, err := buildPipeline(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			fmt.Printf("Device: %s\n", device.Name())
			if !device.Available(ctx) {
				fmt.Println("Status: not detected")
				return fmt.Errorf("scanner %s was not found by scanimage -L", device.Name())
			}
			fmt.Println("Status: available")

			caps, err := device.Capabilities(ctx)
			if err != nil {
				return fmt.Errorf("failed to read capabilities: %w", err)
			}

			if len(caps.Sources) > 0 {
				fmt.Printf("Sources: %s\n", strings.Join(caps.Sources, ", "))
			}
			if len(caps.Modes) > 0 {
				fmt.Printf("Modes: %s\n", strings.Join(caps.Modes, ", "))
			}
			if len(caps.Resolutions) > 0 {
				fmt.Printf("Resolutions: %s\n", strings.Join(caps.Resolutions, ", "))
			}
			if len(caps.Current) > 0 {
				names := make([]string, 0, len(caps.Current))
				for name := range caps.Current {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Println("Current settings:")
				for _, name := range names {
					fmt.Printf("  %s: %s\n", name, caps.Current[name])
				}
			}
			return nil
		},
	}

	return cmd
}
