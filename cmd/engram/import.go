package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/spf13/cobra"
)

// importCmd seeds a user's memory from a chat transcript. The transcript is
// a plain-text or PDF file of alternating "User:" and "AI:" turns; each
// completed pair is replayed through commit in order.
var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Seed memory from a chat transcript (text or PDF)",
	Long: `Seed a user's memory from a chat transcript.

The file is plain text or PDF with alternating turns:

  User: remind me where I parked
  AI: you parked on level 3, row F

Each completed User/AI pair is committed in order, so the transcript
replays through the full feedback loop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		path := args[0]

		text, err := readTranscript(path)
		if err != nil {
			return err
		}

		turns := parseTurns(text)
		if len(turns) == 0 {
			return fmt.Errorf("no User:/AI: turn pairs found in %s", path)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Importing %d exchanges from %s...", len(turns), path)
		imported := 0
		for _, turn := range turns {
			resp, err := client.post(cmd.Context(), "/commit", map[string]any{
				"user_id":  user,
				"input":    turn.input,
				"output":   turn.output,
				"used_ids": []string{},
			})
			if err != nil {
				return err
			}
			var result map[string]string
			if err := decodeJSON(resp, &result); err != nil {
				printError("Failed to import exchange %d: %v", imported+1, err)
				continue
			}
			imported++
		}

		printSuccess("Imported %d of %d exchanges", imported, len(turns))
		return nil
	},
}

func init() {
	importCmd.Flags().String("user", "default", "user identifier")
}

func readTranscript(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return readPDF(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading transcript: %w", err)
	}
	return string(data), nil
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	text, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return string(text), nil
}

type turn struct {
	input  string
	output string
}

// parseTurns scans transcript lines for User:/AI: markers, accumulating
// multi-line turn bodies. Only completed pairs are returned; a trailing
// user turn without a reply is dropped.
func parseTurns(text string) []turn {
	const (
		userPrefix = "User:"
		aiPrefix   = "AI:"
	)

	var (
		turns   []turn
		current turn
		mode    int // 0 none, 1 in user turn, 2 in ai turn
	)
	flush := func() {
		current.input = strings.TrimSpace(current.input)
		current.output = strings.TrimSpace(current.output)
		if current.input != "" && current.output != "" {
			turns = append(turns, current)
		}
		current = turn{}
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, userPrefix):
			if mode == 2 {
				flush()
			}
			mode = 1
			current.input += strings.TrimPrefix(trimmed, userPrefix) + "\n"
		case strings.HasPrefix(trimmed, aiPrefix):
			mode = 2
			current.output += strings.TrimPrefix(trimmed, aiPrefix) + "\n"
		default:
			switch mode {
			case 1:
				current.input += line + "\n"
			case 2:
				current.output += line + "\n"
			}
		}
	}
	if mode == 2 {
		flush()
	}
	return turns
}
