package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/allaspectsdev/switchyard/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	loadDotenv()

	args := os.Args[2:]
	switch os.Args[1] {
	case "start":
		cmdStart(args)
	case "stop":
		cmdStop(args)
	case "status":
		cmdStatus(args)
	case "health":
		cmdHealth(args)
	case "check-config":
		cmdCheckConfig(args)
	case "keys":
		cmdKeys(args)
	case "init-config":
		cmdInitConfig()
	case "config-export":
		cmdConfigExport(args)
	case "config-import":
		cmdConfigImport(args)
	case "install-service":
		cmdInstallService(args)
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadDotenv loads provider keys and SWITCHYARD_ overrides from .env files.
// Variables already set in the environment win.
func loadDotenv() {
	files := []string{".env"}
	if f := os.Getenv("SWITCHYARD_ENV_FILE"); f != "" {
		files = append([]string{f}, files...)
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: loading %s: %v\n", f, err)
		}
	}
}

func printUsage() {
	fmt.Println(`Usage: switchyard <command> [options]

Commands:
  start            Start the gateway
  stop             Stop the running gateway
  status           Show gateway status and live counters
  health           Show live provider health (health [model])
  check-config     Validate the configuration and list model pools
  keys             Manage provider API keys (list|set|delete|check <provider>)
  init-config      Write the default config file
  config-export    Export the current config to a TOML file
  config-import    Import config from a TOML file
  install-service  Install a systemd user service
  version          Print version information
  help             Show this help message

Options:
  --config <file>  Config file (default: ~/.switchyard/switchyard.toml)
  --foreground     Also log to stdout (with 'start')`)
}
