package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ingestrelay/ingestrelay/internal/replay"
)

// ErrDigestMismatch is returned when --expected-digest does not match.
var ErrDigestMismatch = errors.New("replay digest did not match expected value")

type replayOptions struct {
	Upserts        string
	Deletes        string
	FaultStep      string
	ExpectedDigest string
	WriteDigest    string
}

type replayOutput struct {
	Digest         string  `json:"digest"`
	ExpectedDigest *string `json:"expected_digest,omitempty"`
	Passed         *bool   `json:"passed,omitempty"`
}

func newReplayCommand(_ *rootOptions) *cobra.Command {
	opts := &replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Recompute the digest of published run artifacts",
		Long: `Read upsert and delete artifacts back and print their canonical digest.

Running replay twice over the same artifacts prints the same digest. --fault-step fails the
replay at load_upserts, load_deletes or digest.`,
		Example: `  ingestrelay replay --upserts file://./out/connectors/kb/runs/abc/upserts.ndjson \
    --deletes file://./out/connectors/kb/runs/abc/deletes.ndjson`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReplay(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Upserts, "upserts", "", "upserts artifact path (required)")
	cmd.Flags().StringVar(&opts.Deletes, "deletes", "", "deletes artifact path (required)")
	_ = cmd.MarkFlagRequired("upserts")
	_ = cmd.MarkFlagRequired("deletes")
	cmd.Flags().StringVar(&opts.FaultStep, "fault-step", "", "inject a fault at the named step")
	cmd.Flags().StringVar(&opts.ExpectedDigest, "expected-digest", "", "fail unless the digest matches")
	cmd.Flags().StringVar(&opts.WriteDigest, "write-digest", "", "also write the digest to this file")

	return cmd
}

func runReplay(cmd *cobra.Command, opts *replayOptions) error {
	digest, err := replay.Digest(opts.Upserts, opts.Deletes, replay.Options{FaultStep: opts.FaultStep})
	if err != nil {
		return err
	}

	output := replayOutput{Digest: digest}

	if opts.ExpectedDigest != "" {
		passed := digest == opts.ExpectedDigest
		output.ExpectedDigest = &opts.ExpectedDigest
		output.Passed = &passed
	}

	if opts.WriteDigest != "" {
		if err := os.WriteFile(opts.WriteDigest, []byte(digest), 0o600); err != nil {
			return fmt.Errorf("failed to write digest: %w", err)
		}
	}

	data, err := json.Marshal(output)
	if err != nil {
		return err
	}

	if err := printJSON(cmd.OutOrStdout(), data); err != nil {
		return err
	}

	if output.Passed != nil && !*output.Passed {
		return ErrDigestMismatch
	}

	return nil
}
