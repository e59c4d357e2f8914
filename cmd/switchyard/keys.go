package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/allaspectsdev/switchyard/internal/vault"
)

func cmdKeys(args []string) {
	if len(args) == 0 {
		fatalf("usage: switchyard keys <list|set|delete|check> [provider]")
	}
	v := vault.New()

	switch args[0] {
	case "list":
		providers, err := v.List()
		if err != nil {
			fatalf("error listing keys: %v", err)
		}
		if len(providers) == 0 {
			fmt.Println("No API keys found")
			return
		}
		for _, p := range providers {
			fmt.Printf("  %s: ****\n", p)
		}

	case "set":
		provider := providerArg(args, "set")
		fmt.Printf("Enter API key for %s: ", provider)
		key, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fatalf("error reading key: %v", err)
		}
		if strings.TrimSpace(string(key)) == "" {
			fatalf("empty key, nothing stored")
		}
		if err := v.Set(provider, strings.TrimSpace(string(key))); err != nil {
			fatalf("error storing key: %v", err)
		}
		fmt.Printf("Key for %s stored in the system keyring\n", provider)

	case "delete":
		provider := providerArg(args, "delete")
		if err := v.Delete(provider); err != nil {
			fatalf("error deleting key: %v", err)
		}
		fmt.Printf("Key for %s deleted\n", provider)

	case "check":
		provider := providerArg(args, "check")
		_, source, err := v.Resolve(provider)
		if err != nil {
			fatalf("no key for %s: %v (set %s or run 'switchyard keys set %s')", provider, err, vault.EnvVar(provider), provider)
		}
		fmt.Printf("Key for %s resolved from %s\n", provider, source)

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}

func providerArg(args []string, sub string) string {
	if len(args) < 2 {
		fatalf("usage: switchyard keys %s <provider>", sub)
	}
	return strings.ToLower(args[1])
}
