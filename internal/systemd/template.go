// Package systemd renders unit files for the long-running ptyteectl
// services.
package systemd

import (
	"fmt"
	"sort"
	"strings"
)

// Services lists the commands that can run as a unit.
var Services = map[string]string{
	"follow":  "Ship ptytee transcripts as they are written",
	"gateway": "ptytee ingest gateway",
	"cleanup": "Prune expired ptytee session logs",
}

// UnitName returns the unit file name of service.
func UnitName(service string) string {
	return "ptytee-" + service + ".service"
}

// Names returns the service names in order.
func Names() []string {
	names := make([]string, 0, len(Services))
	for n := range Services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Options fill in a unit template.
type Options struct {
	// Binary is the absolute path of ptyteectl.
	Binary string
	// ConfigPath is passed as --config when set.
	ConfigPath string
	// User runs the service. Empty leaves it to systemd (root).
	User string
}

// Unit returns the unit file for service.
func Unit(service string, opts Options) (string, error) {
	desc, ok := Services[service]
	if !ok {
		return "", fmt.Errorf("systemd: unknown service %q (want one of %s)", service, strings.Join(Names(), ", "))
	}
	if opts.Binary == "" {
		opts.Binary = "/usr/local/bin/ptyteectl"
	}

	args := []string{opts.Binary, service}
	if service == "cleanup" {
		args = append(args, "--scheduled")
	}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Unit]\nDescription=%s\n", desc)
	b.WriteString("After=network-online.target\nWants=network-online.target\n\n")
	b.WriteString("[Service]\nType=simple\n")
	if opts.User != "" {
		fmt.Fprintf(&b, "User=%s\n", opts.User)
	}
	fmt.Fprintf(&b, "ExecStart=%s\n", strings.Join(args, " "))
	b.WriteString("Restart=on-failure\nRestartSec=2\nNoNewPrivileges=true\nPrivateTmp=true\n\n")
	b.WriteString("[Install]\nWantedBy=multi-user.target\n")
	return b.String(), nil
}
