package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/ingestrelay/ingestrelay/internal/storage"
)

type keysCreateOptions struct {
	*rootOptions
	Name       string
	Connectors []string
	ExpiresIn  time.Duration
}

type createdKey struct {
	ConnectorIDs []string   `json:"connector_ids"`
	ExpiresAt    *time.Time `json:"expires_at"`
	ID           string     `json:"id"`
	Key          string     `json:"key"`
	Name         string     `json:"name"`
}

func newKeysCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage push API keys",
	}

	cmd.AddCommand(newKeysCreateCommand(rootOpts), newKeysRevokeCommand(rootOpts))

	return cmd
}

func newKeysCreateCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &keysCreateOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a push API key",
		Long: `Mint a push API key scoped to the given connectors. The key is printed once and only
its hash is stored. Use --connector '*' for a key valid for every connector.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var expiresAt *time.Time

			if opts.ExpiresIn > 0 {
				t := time.Now().Add(opts.ExpiresIn).UTC()
				expiresAt = &t
			}

			apiKey, err := storage.NewAPIKey(opts.Name, opts.Connectors, expiresAt)
			if err != nil {
				return err
			}

			conn, _, err := openStore(opts.logger)
			if err != nil {
				return err
			}

			defer func() {
				_ = conn.Close()
			}()

			keyStore, err := storage.NewPersistentKeyStore(conn, opts.logger)
			if err != nil {
				return err
			}

			if err := keyStore.Add(cmd.Context(), apiKey); err != nil {
				return err
			}

			data, err := json.Marshal(createdKey{
				ConnectorIDs: apiKey.ConnectorIDs,
				ExpiresAt:    apiKey.ExpiresAt,
				ID:           apiKey.ID,
				Key:          apiKey.Key,
				Name:         apiKey.Name,
			})
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), data)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "key name (required)")
	_ = cmd.MarkFlagRequired("name")
	cmd.Flags().StringSliceVar(&opts.Connectors, "connector", nil, "connector id the key may push to (repeatable, required)")
	_ = cmd.MarkFlagRequired("connector")
	cmd.Flags().DurationVar(&opts.ExpiresIn, "expires-in", 0, "key lifetime, e.g. 720h (default never expires)")

	return cmd
}

func newKeysRevokeCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Deactivate a push API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, _, err := openStore(rootOpts.logger)
			if err != nil {
				return err
			}

			defer func() {
				_ = conn.Close()
			}()

			keyStore, err := storage.NewPersistentKeyStore(conn, rootOpts.logger)
			if err != nil {
				return err
			}

			return keyStore.Delete(cmd.Context(), args[0])
		},
	}
}
