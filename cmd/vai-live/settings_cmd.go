package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-live/pkg/config"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the stored session settings",
	}
	cmd.AddCommand(newSettingsShowCmd(), newSettingsSetCmd())
	return cmd
}

func newSettingsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored settings with the API key redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			store, _, closer, err := openStore(cmd.Context(), cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer closer.Close()

			s, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(s.Redacted())
			if err != nil {
				return fmt.Errorf("encode settings: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newSettingsSetCmd() *cobra.Command {
	var flags struct {
		provider     string
		apiKey       string
		model        string
		profile      string
		verbosity    string
		language     string
		customPrompt string
		baseURL      string
		webSearch    bool
		sampleRate   int
	}
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update stored settings; only the given flags change",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			store, _, closer, err := openStore(cmd.Context(), cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer closer.Close()

			s, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			changed := cmd.Flags().Changed
			if changed("provider") {
				s.Provider = flags.provider
			}
			if changed("api-key") {
				s.APIKey = flags.apiKey
			}
			if changed("model") {
				s.Model = flags.model
			}
			if changed("profile") {
				s.Profile = flags.profile
			}
			if changed("verbosity") {
				s.Verbosity = flags.verbosity
			}
			if changed("language") {
				s.Language = flags.language
			}
			if changed("custom-prompt") {
				s.CustomPrompt = flags.customPrompt
			}
			if changed("web-search") {
				s.WebSearch = flags.webSearch
			}
			if changed("sample-rate") {
				s.SampleRate = flags.sampleRate
			}
			if changed("base-url") {
				s.BaseURL = flags.baseURL
			}
			if err := s.Validate(); err != nil {
				return err
			}
			if err := store.Save(cmd.Context(), s); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "settings saved")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.provider, "provider", "", "gemini, openai or claude")
	f.StringVar(&flags.apiKey, "api-key", "", "provider API key")
	f.StringVar(&flags.model, "model", "", "provider model name")
	f.StringVar(&flags.profile, "profile", "", "interview, sales, meeting, presentation, negotiation or exam")
	f.StringVar(&flags.verbosity, "verbosity", "", "short or verbose")
	f.StringVar(&flags.language, "language", "", "BCP-47 language code")
	f.StringVar(&flags.customPrompt, "custom-prompt", "", "extra instructions appended to the system prompt")
	f.BoolVar(&flags.webSearch, "web-search", false, "enable provider web search")
	f.IntVar(&flags.sampleRate, "sample-rate", 0, "input audio sample rate in Hz")
	f.StringVar(&flags.baseURL, "base-url", "", "provider endpoint override")
	return cmd
}
