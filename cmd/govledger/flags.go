package main

import (
	"flag"
	"io"
	"strings"

	"github.com/davidahmann/govledger/core/projectconfig"
)

// commonFlags are accepted by every workspace command.
type commonFlags struct {
	configPath string
	jsonOutput bool
	help       bool
}

func newFlagSet(name string, common *commonFlags) *flag.FlagSet {
	flagSet := flag.NewFlagSet(name, flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&common.configPath, "config", projectconfig.DefaultPath, "project config path")
	flagSet.BoolVar(&common.jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&common.help, "help", false, "show help")
	return flagSet
}

// reorderInterspersedFlags moves flags ahead of positionals so that
// "policy revoke p-1 --json" parses like "policy revoke --json p-1".
func reorderInterspersedFlags(arguments []string, valueFlags map[string]bool) []string {
	flags := make([]string, 0, len(arguments))
	positionals := make([]string, 0, len(arguments))
	for index := 0; index < len(arguments); index++ {
		argument := arguments[index]
		if argument == "--" {
			positionals = append(positionals, arguments[index+1:]...)
			break
		}
		if len(argument) < 2 || !strings.HasPrefix(argument, "-") {
			positionals = append(positionals, argument)
			continue
		}
		flags = append(flags, argument)
		if strings.Contains(argument, "=") || !valueFlags[strings.TrimLeft(argument, "-")] {
			continue
		}
		if index+1 < len(arguments) {
			index++
			flags = append(flags, arguments[index])
		}
	}
	return append(flags, positionals...)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
