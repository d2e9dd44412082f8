package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func printStartupBanner(cfg appConfig, archiving bool) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔╦╗╦═╗╔═╗╔═╗╔═╗╦╔═╗  ╔╦╗╔═╗╔╗╔
     ║ ╠╦╝╠═╣╠╣ ╠╣ ║║    ║║║║ ║║║║
     ╩ ╩╚═╩ ╩╚  ╚  ╩╚═╝  ╩ ╩╚═╝╝╚╝`)

	ver := dim.Render("v" + version)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	// Regions
	lines = append(lines, bold.Render("    Regions"))
	lines = append(lines, "")
	for _, r := range cfg.Regions {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s %s", check, r.ID,
			cyan.Render(string(r.Style)), dim.Render(fmt.Sprintf("field%d", r.Field))))
	}
	lines = append(lines, "")

	// Schedule
	lines = append(lines, bold.Render("    Schedule"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Poll           %s", check, cyan.Render(cfg.PollCron)))
	lines = append(lines, fmt.Sprintf("    %s  Publish        %s", check, cyan.Render(cfg.PublishCron)))
	if archiving {
		lines = append(lines, fmt.Sprintf("    %s  Archive        %s", check, cyan.Render(cfg.ArchiveCron)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Archive        %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Timezone       %s", check, dim.Render(cfg.Timezone)))
	lines = append(lines, "")

	// Storage
	lines = append(lines, bold.Render("    Storage"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Region Logs    %s", check, dim.Render(shortenPath(cfg.DataDir))))
	lines = append(lines, fmt.Sprintf("    %s  Error Log      %s", check, dim.Render(shortenPath(cfg.ErrorLog))))
	if archiving {
		target := shortenPath(cfg.ArchiveDir)
		if cfg.ArchiveBucketURL != "" {
			target += " → " + cfg.ArchiveBucketURL
		}
		lines = append(lines, fmt.Sprintf("    %s  Archives       %s", check, dim.Render(target)))
	}
	lines = append(lines, "")

	// Gateway
	lines = append(lines, bold.Render("    Gateway"))
	lines = append(lines, "")
	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}

	lines = append(lines, "")
	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
