package theme

import (
	"fmt"

	"rugguard/internal/model"
)

const (
	cyan    = "\033[36m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	red     = "\033[31m"
	magenta = "\033[35m"
	reset   = "\033[0m"
)

// Banner returns the CLI banner.
func Banner() string {
	art := "" +
		cyan + "   ╔═╗╦ ╦╔═╗╔═╗╦ ╦╔═╗╦═╗╔╦╗\n" + reset +
		cyan + "   ╠╦╝║ ║║ ╦║ ╦║ ║╠═╣╠╦╝ ║║\n" + reset +
		cyan + "   ╩╚═╚═╝╚═╝╚═╝╚═╝╩ ╩╩╚══╩╝\n" + reset +
		yellow + "   ─────────────────────────\n" + reset +
		"   trust scores for the accounts behind the posts\n"
	return art
}

// PrintBanner prints the banner to stdout.
func PrintBanner() {
	fmt.Print(Banner())
}

// Tier colors a tier label for terminal output.
func Tier(t model.Tier) string {
	c := magenta
	switch t {
	case model.TierHighTrust:
		c = green
	case model.TierModerateTrust:
		c = cyan
	case model.TierCautious:
		c = yellow
	case model.TierHighRisk:
		c = red
	}
	return c + t.Label() + reset
}
