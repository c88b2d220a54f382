package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/engram/internal/config"
)

// --- recall ---

var recallCmd = &cobra.Command{
	Use:   "recall <input>",
	Short: "Retrieve memory context for an input",
	Long: `Retrieve the most relevant past exchanges for the given input, packed
into a context block. The returned used_ids should be passed to commit
after the assistant replies.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input := strings.Join(args, " ")
		user, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/recall", map[string]any{
			"user_id": user,
			"input":   input,
		})
		if err != nil {
			return err
		}

		var result struct {
			Context string   `json:"context"`
			UsedIDs []string `json:"used_ids"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Context)
		if len(result.UsedIDs) > 0 {
			fmt.Fprintf(os.Stderr, "\n%s %s\n", colorize(ansiBold, "used_ids:"), strings.Join(result.UsedIDs, ","))
		}
		return nil
	},
}

// --- commit ---

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Record a completed exchange",
	Long: `Record a completed exchange: rewards the memories that informed the
reply, decays the rest, stores the new exchange, and updates the entity
graph.

Example:
  engram commit --input "what was that cafe?" --output "Cafe Kotti in Berlin" --used-ids id1,id2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		input, _ := cmd.Flags().GetString("input")
		output, _ := cmd.Flags().GetString("output")
		usedStr, _ := cmd.Flags().GetString("used-ids")

		if input == "" {
			return fmt.Errorf("--input is required")
		}

		var usedIDs []string
		if usedStr != "" {
			usedIDs = strings.Split(usedStr, ",")
			for i := range usedIDs {
				usedIDs[i] = strings.TrimSpace(usedIDs[i])
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/commit", map[string]any{
			"user_id":  user,
			"input":    input,
			"output":   output,
			"used_ids": usedIDs,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored interaction %s", result["id"])
		return nil
	},
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Inspect stored exchanges",
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent exchanges",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/interactions?user=%s&limit=%d", url.QueryEscape(user), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var interactions []struct {
			ID             string  `json:"id"`
			CreatedAt      string  `json:"created_at"`
			UserInput      string  `json:"user_input"`
			RelevanceScore float64 `json:"relevance_score"`
		}
		if err := decodeJSON(resp, &interactions); err != nil {
			return err
		}

		if len(interactions) == 0 {
			fmt.Println("No interactions found.")
			return nil
		}

		for _, ix := range interactions {
			input := ix.UserInput
			if len(input) > 80 {
				input = input[:80] + "..."
			}
			fmt.Printf("%s  %s  [%.2f]  %s\n",
				colorize(ansiCyan, ix.ID[:8]),
				ix.CreatedAt,
				ix.RelevanceScore,
				input,
			)
		}
		return nil
	},
}

var interactionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single exchange",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/interactions/"+args[0]+"?user="+url.QueryEscape(user))
		if err != nil {
			return err
		}

		var interaction any
		if err := decodeJSON(resp, &interaction); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(interaction)
	},
}

// --- entities ---

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Inspect the entity graph",
}

var entitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entities by relevance",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/entities?user=%s&limit=%d", url.QueryEscape(user), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var entities []struct {
			Key            string   `json:"key"`
			Name           string   `json:"name"`
			AccessCount    int      `json:"access_count"`
			RelevanceScore float64  `json:"relevance_score"`
			MentionedIn    []string `json:"mentioned_in"`
		}
		if err := decodeJSON(resp, &entities); err != nil {
			return err
		}

		if len(entities) == 0 {
			fmt.Println("No entities found.")
			return nil
		}

		for _, e := range entities {
			fmt.Printf("%s  [%.2f]  seen %d times, %d mentions\n",
				colorize(ansiBold, e.Name),
				e.RelevanceScore,
				e.AccessCount,
				len(e.MentionedIn),
			)
		}
		return nil
	},
}

var entitiesShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show a single entity with its relationships",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/entities/"+url.PathEscape(args[0])+"?user="+url.QueryEscape(user))
		if err != nil {
			return err
		}

		var entity any
		if err := decodeJSON(resp, &entity); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entity)
	},
}

// --- backfill ---

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Re-embed interactions stored without a vector",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Backfilling embeddings...")
		resp, err := client.post(cmd.Context(), "/backfill", map[string]any{"limit": limit})
		if err != nil {
			return err
		}

		var report struct {
			Scanned  int `json:"scanned"`
			Embedded int `json:"embedded"`
			Failed   int `json:"failed"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		printSuccess("Scanned %d, embedded %d, failed %d", report.Scanned, report.Embedded, report.Failed)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(ansiBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	recallCmd.Flags().String("user", "default", "user identifier")

	commitCmd.Flags().String("user", "default", "user identifier")
	commitCmd.Flags().String("input", "", "the user's message")
	commitCmd.Flags().String("output", "", "the assistant's reply")
	commitCmd.Flags().String("used-ids", "", "comma-separated interaction IDs from the preceding recall")

	interactionsListCmd.Flags().String("user", "default", "user identifier")
	interactionsListCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
	interactionsShowCmd.Flags().String("user", "default", "user identifier")
	interactionsCmd.AddCommand(interactionsListCmd)
	interactionsCmd.AddCommand(interactionsShowCmd)

	entitiesListCmd.Flags().String("user", "default", "user identifier")
	entitiesListCmd.Flags().Int("limit", 50, "maximum number of entities to list")
	entitiesShowCmd.Flags().String("user", "default", "user identifier")
	entitiesCmd.AddCommand(entitiesListCmd)
	entitiesCmd.AddCommand(entitiesShowCmd)

	backfillCmd.Flags().Int("limit", 100, "maximum number of interactions to backfill")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
