package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	backendJSON      bool
	transcribeEngine string
	tagsCreateEmoji  string
	tagsCreateColor  string
)

func init() {
	rootCmd.AddCommand(enginesCmd, transcribeCmd, queueCmd, tagsCmd)
	enginesCmd.AddCommand(enginesWakeCmd)
	tagsCmd.AddCommand(tagsCreateCmd)

	for _, c := range []*cobra.Command{enginesCmd, enginesWakeCmd, transcribeCmd, queueCmd, tagsCmd, tagsCreateCmd} {
		c.Flags().BoolVar(&backendJSON, "json", false, "Output raw JSON")
	}
	transcribeCmd.Flags().StringVar(&transcribeEngine, "engine", "auto",
		"Engine: "+strings.Join(nomad.ValidEngines, ", "))
	tagsCreateCmd.Flags().StringVar(&tagsCreateEmoji, "emoji", "", "Tag emoji")
	tagsCreateCmd.Flags().StringVar(&tagsCreateColor, "color", "", "Tag color")
}

func backendClient() (*nomad.Client, error) {
	cfg, err := effectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return getClient(cfg)
}

// ============================================================================
// engines
// ============================================================================

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "Show transcription engine availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := backendClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(10 * time.Second)
		defer cancel()

		engines := client.Engines.Status(ctx)
		if backendJSON {
			return printJSON(engines)
		}
		fmt.Println(titleStyle.Render("Engines"))
		for _, e := range engines {
			cost := dimStyle.Render("free")
			if e.CostPerHour > 0 {
				cost = fmt.Sprintf("$%.2f/h", e.CostPerHour)
			}
			printField(e.Name, engineStatusStyle(e.Status).Render(e.Status)+"  "+cost)
		}
		return nil
	},
}

var enginesWakeCmd = &cobra.Command{
	Use:   "wake [engine]",
	Short: "Boot a local GPU engine (default wynona)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := backendClient()
		if err != nil {
			return err
		}
		engine := ""
		if len(args) == 1 {
			engine = args[0]
		}
		ctx, cancel := withTimeout(30 * time.Second)
		defer cancel()

		result, err := client.Engines.Wake(ctx, engine)
		if err != nil {
			return fmt.Errorf("wake failed: %w", err)
		}
		if backendJSON {
			return printJSON(result)
		}
		if result.Success {
			fmt.Println(okStyle.Render(valueOrDefault(result.Message, "Engine waking up")))
		} else {
			fmt.Println(warnStyle.Render(valueOrDefault(result.Message, "Engine did not accept the wake request")))
		}
		if result.Note != "" {
			fmt.Println(dimStyle.Render(result.Note))
		}
		return nil
	},
}

// ============================================================================
// transcribe / queue
// ============================================================================

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <session-id>",
	Short: "Queue a transcription job for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := backendClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(30 * time.Second)
		defer cancel()

		result, err := client.Transcribe(ctx, args[0], transcribeEngine)
		if err != nil {
			return fmt.Errorf("transcribe failed: %w", err)
		}
		if backendJSON {
			return printJSON(result)
		}
		fmt.Printf("Queued %s with %s", args[0], valueOrDefault(result.Engine, transcribeEngine))
		if result.JobID != "" {
			fmt.Printf(" (job %s)", result.JobID)
		}
		fmt.Println()
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the transcription job queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := backendClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(10 * time.Second)
		defer cancel()

		jobs, err := client.Queue(ctx)
		if err != nil {
			return fmt.Errorf("queue failed: %w", err)
		}
		if backendJSON {
			return printJSON(jobs)
		}
		if len(jobs) == 0 {
			fmt.Println(dimStyle.Render("Queue is empty."))
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("  %s  %-10s %-12s session %s\n", dimStyle.Render(j.ID), j.Status, j.Engine, j.SessionID)
		}
		return nil
	},
}

// ============================================================================
// tags
// ============================================================================

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := backendClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(10 * time.Second)
		defer cancel()

		tags := client.Tags.List(ctx)
		if backendJSON {
			return printJSON(tags)
		}
		for _, t := range tags {
			fmt.Printf("  %-4s %s %s %s\n", dimStyle.Render(t.ID), t.Emoji, t.Name,
				dimStyle.Render(fmt.Sprintf("(%d)", t.SessionCount)))
		}
		return nil
	},
}

var tagsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := backendClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(10 * time.Second)
		defer cancel()

		tag, err := client.Tags.Create(ctx, &nomad.TagCreate{Name: args[0], Emoji: tagsCreateEmoji, Color: tagsCreateColor})
		if err != nil {
			return fmt.Errorf("create tag failed: %w", err)
		}
		if backendJSON {
			return printJSON(tag)
		}
		fmt.Printf("Created tag %s (%s)\n", tag.Name, tag.ID)
		return nil
	},
}
