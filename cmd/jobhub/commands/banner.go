package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/derivkit/jobhub/am"
	"github.com/derivkit/jobhub/logger"
	"github.com/derivkit/jobhub/sym"
	"github.com/derivkit/jobhub/version"
)

func levelName(verbosity int) string {
	return logger.VerbosityToLevel(verbosity).CapitalString()
}

// printStartupBanner prints the hub's identity and where it listens
func printStartupBanner(verbosity int, cfg *am.Config, hubDID string) {
	info := version.Get()

	pterm.DefaultBigText.WithLetters(pterm.NewLettersFromString("jobhub")).Render()

	sweep := "disabled"
	if cfg.Sweep.IntervalSeconds > 0 {
		sweep = fmt.Sprintf("every %ds", cfg.Sweep.IntervalSeconds)
	}

	lines := []string{
		fmt.Sprintf("Version:   %s (commit %s)", info.Version, info.CommitHash),
		fmt.Sprintf("Endpoint:  %s", cfg.Hub.Endpoint),
		fmt.Sprintf("Database:  %s", cfg.Database.Path),
		fmt.Sprintf("Units:     %d", cfg.Hub.PoolSize()),
		fmt.Sprintf("Trusted:   %s", cfg.Keystore.TrustedDir),
		fmt.Sprintf("Sweep:     %s", sweep),
		fmt.Sprintf("Verbosity: %s", levelName(verbosity)),
	}
	pterm.DefaultBox.WithTitle(sym.Hub + " jobhub").Println(strings.Join(lines, "\n"))

	pterm.Info.Printf("Workers pin this hub key: %s\n", hubDID)
	pterm.Info.Println("Press Ctrl+C to stop")
	pterm.Println()
}
