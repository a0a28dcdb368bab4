package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/modulus/internal/schema"
	"github.com/pitabwire/modulus/internal/store"
	"github.com/pitabwire/modulus/model"
)

// openStore builds a Store for one-shot administration commands.
func openStore(ctx context.Context, flags *globalFlags) (*store.Store, closers, error) {
	cfg, logger, err := flags.setup()
	if err != nil {
		return nil, nil, err
	}
	var cl closers
	cl.add(func() { _ = logger.Sync() })
	repo, err := buildRepository(ctx, cfg.Store, logger, &cl)
	if err != nil {
		cl.close()
		return nil, nil, err
	}
	return store.New(repo.repo, logger), cl, nil
}

func backupCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage module document backups",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Snapshot the live module document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, cl, err := openStore(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer cl.close()
			name, err := s.CreateBackup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, cl, err := openStore(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer cl.close()
			names, err := s.ListBackups(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore <name>",
		Short: "Make a backup the live module document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cl, err := openStore(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer cl.close()
			doc, err := s.RestoreBackup(cmd.Context(), args[0], store.AnyRevision)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s as revision %d\n", args[0], doc.Revision)
			return nil
		},
	})

	return cmd
}

// readDocument parses a module document file. Files ending in .yaml or .yml
// are read as YAML, anything else as JSON.
func readDocument(path string) (model.ModulesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ModulesConfig{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return model.ModulesConfig{}, err
		}
		if data, err = json.Marshal(tree); err != nil {
			return model.ModulesConfig{}, err
		}
	}
	return model.ParseModulesConfig(data)
}

// checkCmd validates a module document file without touching any store.
func checkCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check <modules.json|modules.yaml>",
		Short: "Validate a module document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			issues := schema.Validate(&doc)

			out := cmd.OutOrStdout()
			if asJSON {
				if issues == nil {
					issues = []schema.Issue{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(issues); err != nil {
					return err
				}
			} else {
				for _, is := range issues {
					fmt.Fprintf(out, "%s\t%s\t%s\n", is.Severity, is.Code, is.Error())
				}
			}

			if errs := schema.Errors(issues); len(errs) > 0 {
				return fmt.Errorf("%d error(s) in %s", len(errs), args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print issues as JSON")
	return cmd
}
