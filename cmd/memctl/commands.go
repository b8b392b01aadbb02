package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Protocol-Lattice/go-recall/src/config"
	"github.com/Protocol-Lattice/go-recall/src/logging"
	"github.com/Protocol-Lattice/go-recall/src/memory"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

type rootFlags struct {
	owner    string
	logLevel string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "memctl",
		Short:         "Manage long-term conversational memories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.owner, "owner", "o", "", "Owner whose memories are addressed")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override MEMORY_LOG_LEVEL")

	root.AddCommand(
		newSchemaCmd(flags),
		newIngestCmd(flags),
		newRecallCmd(flags),
		newContextCmd(flags),
		newForgetCmd(flags),
		newEraseCmd(flags),
		newStatsCmd(flags),
	)
	return root
}

// openService loads configuration and builds a service. Callers must Close it.
func openService(ctx context.Context, flags *rootFlags, mutate func(*config.Config)) (*memory.Service, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if mutate != nil {
		mutate(cfg)
	}
	log := logging.New("memctl", cfg.LogLevel, cfg.LogFormat)
	cfg.Log(log)
	svc, err := memory.New(ctx, cfg, memory.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func requireOwner(flags *rootFlags) error {
	if strings.TrimSpace(flags.owner) == "" {
		return fmt.Errorf("--owner is required")
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// memoryView is a memory without its vector, for display.
type memoryView struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Status       string    `json:"status"`
	Score        float64   `json:"score,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	SourceRefs   []string  `json:"source_refs"`
	SupersededBy string    `json:"superseded_by,omitempty"`
}

func viewOf(m model.Memory, score float64) memoryView {
	return memoryView{
		ID:           m.ID,
		Text:         m.Text,
		Status:       string(m.Status),
		Score:        score,
		UpdatedAt:    m.UpdatedAt,
		SourceRefs:   m.SourceRefs,
		SupersededBy: m.SupersededBy,
	}
}

func newSchemaCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the store schema and bind it to the embedding model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, cfg, err := openService(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer svc.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready: backend=%s model=%s dimensions=%d\n",
				cfg.StoreBackend, cfg.EmbedModel, cfg.EmbedDimensions)
			return nil
		},
	}
}

func newIngestCmd(flags *rootFlags) *cobra.Command {
	var (
		role   string
		turnID string
	)
	cmd := &cobra.Command{
		Use:   "ingest [text...]",
		Short: "Remember a chat turn; reads stdin when no text is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(flags); err != nil {
				return err
			}
			text := strings.Join(args, " ")
			if text == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = string(data)
			}
			svc, _, err := openService(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.OnTurn(cmd.Context(), model.ChatTurn{
				ID:        turnID,
				Owner:     flags.owner,
				Role:      role,
				Text:      text,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&role, "role", model.RoleUser, "Role of the turn")
	cmd.Flags().StringVar(&turnID, "turn-id", "", "Turn identifier recorded as provenance")
	return cmd
}

func newRecallCmd(flags *rootFlags) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "List the memories most relevant to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(flags); err != nil {
				return err
			}
			svc, _, err := openService(cmd.Context(), flags, func(c *config.Config) {
				if k > 0 {
					c.RetrievalK = k
				}
			})
			if err != nil {
				return err
			}
			defer svc.Close()

			hits, err := svc.Recall(cmd.Context(), flags.owner, strings.Join(args, " "))
			if err != nil {
				return err
			}
			views := make([]memoryView, len(hits))
			for i, h := range hits {
				views[i] = viewOf(h.Memory, h.Score)
			}
			return writeJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().IntVarP(&k, "topk", "k", 0, "Number of memories to return (defaults to MEMORY_RETRIEVAL_K)")
	return cmd
}

func newContextCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "context <query>",
		Short: "Print the memory block that would be injected for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(flags); err != nil {
				return err
			}
			svc, _, err := openService(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			block, err := svc.Context(cmd.Context(), flags.owner, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), block.Text)
			return nil
		},
	}
}

func newForgetCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <memory-id>",
		Short: "Soft-delete one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(flags); err != nil {
				return err
			}
			svc, _, err := openService(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Forget(cmd.Context(), flags.owner, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", args[0])
			return nil
		},
	}
}

func newEraseCmd(flags *rootFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Permanently remove every memory of an owner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireOwner(flags); err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("erase is irreversible; pass --yes to confirm")
			}
			svc, _, err := openService(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.Erase(cmd.Context(), flags.owner)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "erased %d memories of %s\n", n, flags.owner)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the erasure")
	return cmd
}

// transcriptLine is one turn of a JSON Lines transcript.
type transcriptLine struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Role  string `json:"role"`
	Text  string `json:"text"`
}

func newStatsCmd(flags *rootFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Replay a JSON Lines transcript and report what consolidation did",
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			svc, _, err := openService(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := replay(cmd.Context(), svc, in, flags.owner); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), svc.Metrics())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Transcript file, one JSON turn per line")
	return cmd
}

func replay(ctx context.Context, svc *memory.Service, in io.Reader, defaultOwner string) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var tl transcriptLine
		if err := json.Unmarshal([]byte(line), &tl); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if tl.Owner == "" {
			tl.Owner = defaultOwner
		}
		if tl.Role == "" {
			tl.Role = model.RoleUser
		}
		if _, err := svc.OnTurn(ctx, model.ChatTurn{ID: tl.ID, Owner: tl.Owner, Role: tl.Role, Text: tl.Text}); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	return sc.Err()
}
