package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/vnmchuo/llm-orchestrator/internal/generation"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/route"
	"github.com/vnmchuo/llm-orchestrator/internal/runstore"
	"github.com/vnmchuo/llm-orchestrator/internal/storyboard"
)

// readInput returns the first argument, or stdin when it is "-" or absent.
func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		return args[0], nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var (
		routeName string
		models    []string
		maxTokens int
		stream    bool
	)
	cmd := &cobra.Command{
		Use:   "generate [prompt|-]",
		Short: "Run one orchestrated generation and print the text",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			if strings.TrimSpace(prompt) == "" {
				return errors.New("empty prompt")
			}
			client, _, err := ctx.newClient(nil)
			if err != nil {
				return err
			}

			req := generation.Request{
				Prompt: provider.TextPrompt(prompt),
				Config: provider.GenerationConfig{MaxTokens: maxTokens},
			}
			switch {
			case len(models) > 0:
				req.Candidates = route.Normalize(models)
			case routeName != "":
				if req.Candidates, err = route.Preset(routeName); err != nil {
					return err
				}
			}

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			var model string
			var failures []string
			if stream {
				sr := client.Stream(cmd.Context(), req)
				model, failures = sr.Model, sr.Failures
				for chunk := range sr.Chunks.All() {
					fmt.Fprint(out, chunk)
				}
				fmt.Fprintln(out)
			} else {
				res := client.Generate(cmd.Context(), req)
				model, failures = res.Model, res.Failures
				fmt.Fprintln(out, res.Text)
			}

			for _, f := range failures {
				fmt.Fprintln(errOut, "failure:", f)
			}
			if model == "" {
				return errors.New("all candidates exhausted")
			}
			fmt.Fprintln(errOut, "used model:", model)
			return nil
		},
	}
	cmd.Flags().StringVar(&routeName, "route", "", "Named candidate route ("+strings.Join(route.PresetNames(), ", ")+")")
	cmd.Flags().StringSliceVar(&models, "model", nil, "Explicit candidate model, repeatable")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Max output tokens per call")
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream the output")
	return cmd
}

func newStoryboardCommand(ctx *commandContext) *cobra.Command {
	var (
		style      string
		characters string
		scenes     string
		output     string
	)
	cmd := &cobra.Command{
		Use:   "storyboard [story|-]",
		Short: "Run both storyboard rounds locally and write the package JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			story, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			if strings.TrimSpace(story) == "" {
				return errors.New("empty story")
			}
			client, _, err := ctx.newClient(nil)
			if err != nil {
				return err
			}
			board, err := ctx.newStoryboard(client, nil, nil)
			if err != nil {
				return err
			}

			pack, err := board.BuildPackage(cmd.Context(), storyboard.FullParams{
				Round1: storyboard.Round1Params{Story: story, Style: style},
				Round2: storyboard.Round2Params{Characters: characters, Scenes: scenes},
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(pack); err != nil {
				return err
			}
			if pack.Round1.UsedModel == "" {
				return errors.New("round 1: all candidates exhausted")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&style, "style", "", "Visual style for round 1")
	cmd.Flags().StringVar(&characters, "characters", "", "Character sheet for round 2")
	cmd.Flags().StringVar(&scenes, "scenes", "", "Scene descriptions for round 2")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the package to this file instead of stdout")
	return cmd
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ctx.config.PostgresDSN == "" {
				return errors.New("POSTGRES_DSN is required")
			}
			if err := runstore.RunMigrations(ctx.config.PostgresDSN); err != nil {
				return err
			}
			ctx.logger.Info("migrations applied")
			return nil
		},
	}
}

func newRoutesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List the named candidate routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range route.PresetNames() {
				candidates, _ := route.Preset(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", name, strings.Join(candidates, " -> "))
			}
			return nil
		},
	}
}
