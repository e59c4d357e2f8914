package daemon

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

// ServiceName is the systemd unit name.
const ServiceName = "switchyard.service"

const unitTemplate = `[Unit]
Description=switchyard LLM gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecPath}} start --foreground{{if .ConfigPath}} --config {{.ConfigPath}}{{end}}
WorkingDirectory={{.DataDir}}
{{- if .EnvFile}}
EnvironmentFile=-{{.EnvFile}}
{{- end}}
Restart=on-failure
RestartSec=5
LimitNOFILE=65536

[Install]
WantedBy=default.target
`

var unitTmpl = template.Must(template.New("unit").Parse(unitTemplate))

// UnitOptions fills the systemd unit.
type UnitOptions struct {
	ExecPath   string
	ConfigPath string
	DataDir    string
	// EnvFile is loaded by systemd if present; provider keys usually live
	// there on servers without a keyring.
	EnvFile string
}

// WriteUnit renders the systemd unit for opts.
func WriteUnit(w io.Writer, opts UnitOptions) error {
	if opts.ExecPath == "" || opts.DataDir == "" {
		return fmt.Errorf("service unit: exec path and data dir are required")
	}
	return unitTmpl.Execute(w, opts)
}

// InstallService writes a user-level systemd unit for the running binary
// and enables it.
func InstallService(configPath, dataDir string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("determining executable path: %w", err)
	}
	if execPath, err = filepath.EvalSymlinks(execPath); err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}

	unitDir := filepath.Join(home, ".config", "systemd", "user")
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return fmt.Errorf("creating unit directory: %w", err)
	}
	unitPath := filepath.Join(unitDir, ServiceName)
	f, err := os.Create(unitPath)
	if err != nil {
		return fmt.Errorf("creating unit file: %w", err)
	}
	werr := WriteUnit(f, UnitOptions{
		ExecPath:   execPath,
		ConfigPath: configPath,
		DataDir:    dataDir,
		EnvFile:    filepath.Join(dataDir, ".env"),
	})
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("writing unit file: %w", werr)
	}
	fmt.Printf("Unit written to %s\n", unitPath)

	for _, args := range [][]string{
		{"--user", "daemon-reload"},
		{"--user", "enable", "--now", ServiceName},
	} {
		cmd := exec.Command("systemctl", args...)
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("systemctl %v: %w", args, err)
		}
	}
	return nil
}
