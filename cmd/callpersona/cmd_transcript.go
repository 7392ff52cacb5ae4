package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/callpersona/internal/telegram"
	"github.com/user/callpersona/internal/transcript"
)

func init() {
	rootCmd.AddCommand(transcriptCmd)
	transcriptCmd.AddCommand(transcriptListCmd, transcriptShowCmd)
	transcriptShowCmd.Flags().String("scenario", "", "scenario id (redis backend)")
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Read saved call transcripts",
}

var transcriptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transcripts, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.Transcripts.Backend == "redis" {
			return fmt.Errorf("listing is only supported for the file backend")
		}
		infos, err := transcript.NewFileStore(cfg.Transcripts.Dir).List()
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No transcripts found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tSCENARIO\tSTREAM\tSAVED")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				info.Name,
				info.Scenario,
				info.StreamSID,
				info.ModTime.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var transcriptShowCmd = &cobra.Command{
	Use:   "show <file|stream_sid>",
	Short: "Print a transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		out := cmd.OutOrStdout()

		if cfg.Transcripts.Backend == "redis" {
			scenarioID, _ := cmd.Flags().GetString("scenario")
			if scenarioID == "" {
				return fmt.Errorf("--scenario is required for the redis backend")
			}
			ctx := context.Background()
			store, err := transcript.OpenRedisStore(ctx, cfg.Transcripts.RedisURL, cfg.Transcripts.TTL.D())
			if err != nil {
				return err
			}
			defer store.Close()
			msgs, err := store.Read(ctx, scenarioID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(out, transcript.Format(msgs))
			return nil
		}

		msgs, err := transcript.NewFileStore(cfg.Transcripts.Dir).Read(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(out, transcript.Format(msgs))
		return nil
	},
}

// recentCalls lists recent transcript files for the telegram /calls command.
func recentCalls(files *transcript.FileStore) telegram.RecentFunc {
	if files == nil {
		return nil
	}
	return func(n int) ([]string, error) {
		infos, err := files.List()
		if err != nil {
			return nil, err
		}
		if len(infos) > n {
			infos = infos[:n]
		}
		lines := make([]string, 0, len(infos))
		for _, info := range infos {
			lines = append(lines, fmt.Sprintf("%s  %s  %s",
				info.ModTime.Format("01-02 15:04"), info.Scenario, info.StreamSID))
		}
		return lines, nil
	}
}
