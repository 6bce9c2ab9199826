package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oruen/llmcheck/internal/profile"
)

func newProfileCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage endpoint profiles",
	}
	cmd.AddCommand(
		newProfileAddCmd(opts),
		newProfileListCmd(opts),
		newProfileShowCmd(opts),
		newProfileEditCmd(opts),
		newProfileDeleteCmd(opts),
	)
	return cmd
}

func newProfileAddCmd(opts *rootOptions) *cobra.Command {
	var (
		model         string
		baseURL       string
		apiKeyEnv     string
		supportsTools bool
		overwrite     bool
	)
	cmd := &cobra.Command{
		Use:   "add <profile-id>",
		Short: "Create an endpoint profile",
		Long: "Creates a profile describing one endpoint under test. The credential is\n" +
			"referenced by env var name only; llmcheck never stores secret values.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := profile.NewStore(opts.cfg.ProfilesDir)
			rec, err := store.Create(profile.Record{
				ProfileID:     args[0],
				Model:         model,
				BaseURL:       baseURL,
				APIKeyEnv:     apiKeyEnv,
				SupportsTools: supportsTools,
			}, overwrite)
			if err != nil {
				return err
			}
			return printProfile(cmd, opts, rec)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model identifier sent to the endpoint (required)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "endpoint base URL (empty for the provider default)")
	cmd.Flags().StringVar(&apiKeyEnv, "api-key-env", "", "env var name holding the API key (required)")
	cmd.Flags().BoolVar(&supportsTools, "supports-tools", true, "whether the endpoint claims tool-calling support")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing profile with the same id")
	cmd.MarkFlagRequired("model")
	cmd.MarkFlagRequired("api-key-env")
	return cmd
}

func newProfileListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := profile.NewStore(opts.cfg.ProfilesDir)
			recs, err := store.List()
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, recs)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROFILE\tMODEL\tBASE URL\tKEY ENV\tTOOLS")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", r.ProfileID, r.Model, r.BaseURL, r.APIKeyEnv, r.SupportsTools)
			}
			return w.Flush()
		},
	}
}

func newProfileShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <profile-id>",
		Short: "Show one profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := profile.NewStore(opts.cfg.ProfilesDir)
			rec, err := store.Get(args[0])
			if err != nil {
				return err
			}
			return printProfile(cmd, opts, rec)
		},
	}
}

func newProfileEditCmd(opts *rootOptions) *cobra.Command {
	var (
		model         string
		baseURL       string
		apiKeyEnv     string
		supportsTools bool
	)
	cmd := &cobra.Command{
		Use:   "edit <profile-id>",
		Short: "Edit fields of an existing profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd profile.Update
			if cmd.Flags().Changed("model") {
				upd.Model = &model
			}
			if cmd.Flags().Changed("base-url") {
				upd.BaseURL = &baseURL
			}
			if cmd.Flags().Changed("api-key-env") {
				upd.APIKeyEnv = &apiKeyEnv
			}
			if cmd.Flags().Changed("supports-tools") {
				upd.SupportsTools = &supportsTools
			}
			store := profile.NewStore(opts.cfg.ProfilesDir)
			rec, err := store.Update(args[0], upd)
			if err != nil {
				return err
			}
			return printProfile(cmd, opts, rec)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model identifier sent to the endpoint")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "endpoint base URL (empty clears it)")
	cmd.Flags().StringVar(&apiKeyEnv, "api-key-env", "", "env var name holding the API key")
	cmd.Flags().BoolVar(&supportsTools, "supports-tools", true, "whether the endpoint claims tool-calling support")
	return cmd
}

func newProfileDeleteCmd(opts *rootOptions) *cobra.Command {
	var missingOK bool
	cmd := &cobra.Command{
		Use:   "delete <profile-id>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := profile.NewStore(opts.cfg.ProfilesDir)
			if err := store.Delete(args[0], missingOK); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted profile %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&missingOK, "missing-ok", false, "succeed even when the profile does not exist")
	return cmd
}

func printProfile(cmd *cobra.Command, opts *rootOptions, rec profile.Record) error {
	if opts.jsonOut {
		return printJSON(cmd, rec)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "profile:        %s\n", rec.ProfileID)
	fmt.Fprintf(out, "model:          %s\n", rec.Model)
	if rec.BaseURL != "" {
		fmt.Fprintf(out, "base url:       %s\n", rec.BaseURL)
	}
	fmt.Fprintf(out, "api key env:    %s\n", rec.APIKeyEnv)
	fmt.Fprintf(out, "supports tools: %v\n", rec.SupportsTools)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
