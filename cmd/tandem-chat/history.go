package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandemride/realtime/pkg/store"
)

func newHistoryCommand() *cobra.Command {
	var (
		roomID string
		dbPath string
		limit  int
		before string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a room's stored message history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}

			st, err := store.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			page := store.Page{Limit: limit}
			if before != "" {
				ts, err := time.Parse(time.RFC3339, before)
				if err != nil {
					return err
				}
				page.Before = ts
			}

			msgs, err := st.Query(cmd.Context(), roomID, page)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				name := m.SenderName
				if name == "" {
					name = m.SenderID
				}
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), name, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "lobby", "room to list")
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the local message database")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of messages")
	cmd.Flags().StringVar(&before, "before", "", "only messages older than this RFC3339 timestamp")
	return cmd
}
