package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"courier/pkg/config"
	"courier/pkg/storage"
	"courier/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	dangerValueStyle = lipgloss.NewStyle().
				Foreground(dangerColor).
				Bold(true)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor)
)

type statusReport struct {
	BaseURL   string            `json:"base_url"`
	Database  string            `json:"database"`
	Protocols []config.Protocol `json:"protocols"`
	MaxBody   int64             `json:"max_body_bytes"`
	Stats     storage.Stats     `json:"stats"`
	Leases    []leaseRow        `json:"leases"`
}

type leaseRow struct {
	Nickname string    `json:"nickname"`
	Callback string    `json:"callback"`
	Expires  time.Time `json:"expires"`
	Failures int       `json:"push_failures"`
}

func statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store statistics and hub subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			users, err := store.ListUsers(ctx)
			if err != nil {
				return err
			}

			report := statusReport{
				BaseURL:   cfg.BaseURL,
				Database:  cfg.DatabasePath,
				Protocols: cfg.EnabledProtocols,
				MaxBody:   cfg.MaxBodyBytes,
				Stats:     stats,
			}
			if report.Database == "" {
				report.Database = cfg.DataDir
			}
			for _, u := range users {
				leases, err := store.ListSubscriptionLeases(ctx, u.ID)
				if err != nil {
					return err
				}
				for _, l := range leases {
					report.Leases = append(report.Leases, leaseRow{
						Nickname: u.Nickname,
						Callback: l.RemoteCallbackURL,
						Expires:  l.LeaseExpiresAt,
						Failures: l.PushFailures,
					})
				}
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			renderStatus(report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of styled output")
	return cmd
}

func renderStatus(r statusReport) {
	protocols := make([]string, len(r.Protocols))
	for i, p := range r.Protocols {
		protocols[i] = string(p)
	}

	rows := []struct {
		label string
		value string
		style lipgloss.Style
	}{
		{"Base URL", r.BaseURL, accentValueStyle},
		{"Database", r.Database, valueStyle},
		{"Protocols", strings.Join(protocols, ", "), valueStyle},
		{"Max body", utils.FormatDataSize(r.MaxBody), valueStyle},
		{"Local accounts", strconv.FormatInt(r.Stats.Users, 10), valueStyle},
		{"Contacts", strconv.FormatInt(r.Stats.Contacts, 10), valueStyle},
		{"Applied items", strconv.FormatInt(r.Stats.Items, 10), valueStyle},
		{"Delivery records", strconv.FormatInt(r.Stats.Guids, 10), valueStyle},
		{"Hub leases", strconv.FormatInt(r.Stats.Leases, 10), valueStyle},
	}

	var content strings.Builder
	for _, row := range rows {
		content.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render(row.label+":"), row.style.Render(row.value)))
	}
	title := titleStyle.Render("COURIER")
	fmt.Println(panelStyle.Width(70).Render(lipgloss.JoinVertical(lipgloss.Left, title, strings.TrimSpace(content.String()))))

	if len(r.Leases) == 0 {
		return
	}

	fmt.Println(sectionStyle.Render("HUB SUBSCRIBERS"))
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("ACCOUNT", "CALLBACK", "EXPIRES", "FAILURES")
	now := time.Now()
	for _, l := range r.Leases {
		expires := accentValueStyle.Render(l.Expires.Format(time.RFC3339))
		if !l.Expires.IsZero() && l.Expires.Before(now) {
			expires = dangerValueStyle.Render("expired")
		}
		failures := strconv.Itoa(l.Failures)
		if l.Failures > 0 {
			failures = warningValueStyle.Render(failures)
		}
		t.Row(l.Nickname, l.Callback, expires, failures)
	}
	fmt.Println(t)
}
