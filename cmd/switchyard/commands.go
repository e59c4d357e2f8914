package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/daemon"
)

// options are the flags shared by the commands.
type options struct {
	configPath string
	foreground bool
	rest       []string
}

func parseOptions(args []string) options {
	var o options
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "--foreground" || a == "-f":
			o.foreground = true
		case a == "--config" || a == "-c":
			if i+1 < len(args) {
				o.configPath = args[i+1]
				i++
			}
		case strings.HasPrefix(a, "--config="):
			o.configPath = strings.TrimPrefix(a, "--config=")
		default:
			o.rest = append(o.rest, a)
		}
	}
	return o
}

func mustLoad(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("error loading config: %v", err)
	}
	return cfg
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func cmdStart(args []string) {
	o := parseOptions(args)
	cfg := mustLoad(o.configPath)
	if err := daemon.Run(cfg, o.foreground); err != nil {
		fatalf("error: %v", err)
	}
}

func cmdStop(args []string) {
	cfg := mustLoad(parseOptions(args).configPath)
	if err := daemon.Stop(cfg); err != nil {
		fatalf("error stopping switchyard: %v", err)
	}
	fmt.Println("switchyard stopped")
}

func cmdStatus(args []string) {
	cfg := mustLoad(parseOptions(args).configPath)
	if err := daemon.Status(os.Stdout, cfg); err != nil {
		fatalf("%v", err)
	}
}

func cmdHealth(args []string) {
	o := parseOptions(args)
	cfg := mustLoad(o.configPath)
	model := ""
	if len(o.rest) > 0 {
		model = o.rest[0]
	}
	if err := daemon.Health(os.Stdout, cfg, model); err != nil {
		fatalf("%v", err)
	}
}

func cmdCheckConfig(args []string) {
	cfg := mustLoad(parseOptions(args).configPath)
	if file := config.ConfigFilePath(); file != "" {
		fmt.Printf("Config: %s\n", file)
	} else {
		fmt.Println("Config: built-in defaults")
	}
	priced := make(map[string]bool, len(cfg.Pricing))
	for _, p := range cfg.Pricing {
		priced[strings.ToLower(p.Provider)+"|"+p.Model] = true
	}
	for _, m := range cfg.Models {
		fmt.Printf("  %s\n", m.Name)
		for _, p := range m.Providers {
			state := "enabled"
			if pc, ok := cfg.Providers[strings.ToLower(p.ID)]; !ok {
				state = "unknown provider"
			} else if !pc.Enabled {
				state = "disabled"
			}
			price := "priced"
			if !priced[strings.ToLower(p.ID)+"|"+m.Name] {
				price = "no exact price card"
			}
			fmt.Printf("    - %-20s %-8s %-16s %s\n", p.ID, p.Status, state, price)
		}
	}
	fmt.Println("Configuration is valid")
}

func cmdInitConfig() {
	if err := config.InitConfig(); err != nil {
		fatalf("error generating config: %v", err)
	}
}

func cmdInstallService(args []string) {
	o := parseOptions(args)
	cfg := mustLoad(o.configPath)
	if err := daemon.InstallService(config.ConfigFilePath(), cfg.Server.DataDir); err != nil {
		fatalf("error installing service: %v", err)
	}
	fmt.Println("Service installed")
}

func cmdConfigExport(args []string) {
	o := parseOptions(args)
	path := "switchyard-export.toml"
	if len(o.rest) > 0 {
		path = o.rest[0]
	}
	mustLoad(o.configPath)
	if err := config.ExportConfig(path); err != nil {
		fatalf("error exporting config: %v", err)
	}
	fmt.Printf("Config exported to %s\n", path)
}

func cmdConfigImport(args []string) {
	o := parseOptions(args)
	if len(o.rest) == 0 {
		fatalf("usage: switchyard config-import <file>")
	}
	if o.configPath != "" {
		mustLoad(o.configPath)
	}
	if err := config.ImportConfig(o.rest[0]); err != nil {
		fatalf("error importing config: %v", err)
	}
	fmt.Printf("Config imported from %s\n", o.rest[0])
}
