package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	coreerrors "github.com/davidahmann/sterile/core/errors"
	"github.com/davidahmann/sterile/core/ledger"
	"github.com/davidahmann/sterile/core/ledger/sqlstore"
)

const runIDEnv = "STERILE_RUN_ID"

type provenanceListOutput struct {
	Source  string                    `json:"source"`
	Records []ledger.ProvenanceRecord `json:"records"`
}

func newProvenanceCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provenance",
		Short: "Record and list pipeline stage provenance",
	}
	cmd.AddCommand(newProvenanceRecordCommand(a), newProvenanceListCommand(a))
	return cmd
}

func newProvenanceRecordCommand(a *app) *cobra.Command {
	var stage, script, runID string
	var inputs, outputs []string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append one stage execution to the provenance ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(stage) == "" {
				return usagef("--stage is required")
			}
			if runID == "" {
				runID = os.Getenv(runIDEnv)
			}
			if runID == "" {
				runID = uuid.NewString()
			}
			targets := []string{a.resolve(a.config.Ledger.JSONL), a.resolve(a.config.Ledger.SQLite)}
			for _, output := range outputs {
				targets = append(targets, a.resolve(output))
			}
			if err := a.guardRaw(targets...); err != nil {
				return err
			}

			return a.observe("provenance_record", func() error {
				ctx := cmd.Context()
				jsonlPath := a.resolve(a.config.Ledger.JSONL)
				existing, err := ledger.ReadJSONL(jsonlPath)
				if err != nil {
					return coreerrors.Wrap(err, coreerrors.CategoryVerification, coreerrors.CodeLedgerWrite, "the existing ledger is damaged; restore it before appending")
				}
				sinks := ledger.MultiSink{}
				var store *sqlstore.Store
				if a.config.Ledger.SQLite != "" {
					store, err = sqlstore.Open(a.resolve(a.config.Ledger.SQLite))
					if err != nil {
						return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeLedgerWrite, "check the sqlite ledger path")
					}
					defer func() { _ = store.Close() }()
					sinks = append(sinks, store)
				}
				sinks = append(sinks, ledger.JSONLSink{Path: jsonlPath})

				sequence := ledger.NextSequence(existing, runID)
				if store != nil {
					last, err := store.LastSequence(ctx, runID)
					if err != nil {
						return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeLedgerWrite, "check the sqlite ledger")
					}
					sequence = max(sequence, last)
				}
				book := ledger.New(ledger.Options{
					Root:            a.root,
					RunID:           runID,
					ProducerVersion: version,
					Clock:           a.now,
					EnvKeys:         a.config.Ledger.EnvKeys,
					Sink:            sinks,
					Sequence:        sequence,
				})

				record, err := book.Record(ctx, stage, script, inputs, outputs)
				if err != nil {
					return err
				}
				a.logger.Info("provenance recorded", "run_id", record.RunID, "sequence", record.Sequence, "stage", record.Stage)
				return a.writeResult(record, fmt.Sprintf("%s #%d %s", record.RunID, record.Sequence, record.Stage))
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage name")
	cmd.Flags().StringVar(&script, "script", "", "script that ran, relative to --root")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "input file read by the stage (repeatable)")
	cmd.Flags().StringSliceVar(&outputs, "output", nil, "output file written by the stage (repeatable)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier shared by the stages of one run (default $"+runIDEnv+" or a new uuid)")
	return cmd
}

func newProvenanceListCommand(a *app) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			output := provenanceListOutput{}
			if a.config.Ledger.SQLite != "" {
				output.Source = a.resolve(a.config.Ledger.SQLite)
				store, err := sqlstore.Open(output.Source)
				if err != nil {
					return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, coreerrors.CodeLedgerWrite, "check the sqlite ledger path")
				}
				defer func() { _ = store.Close() }()
				if output.Records, err = store.List(cmd.Context(), runID); err != nil {
					return coreerrors.Wrap(err, coreerrors.CategoryVerification, coreerrors.CodeLedgerWrite, "the sqlite ledger is damaged")
				}
			} else {
				output.Source = a.resolve(a.config.Ledger.JSONL)
				records, err := ledger.ReadJSONL(output.Source)
				if err != nil {
					return coreerrors.Wrap(err, coreerrors.CategoryVerification, coreerrors.CodeLedgerWrite, "the provenance ledger is damaged")
				}
				output.Records = []ledger.ProvenanceRecord{}
				for _, record := range records {
					if runID == "" || record.RunID == runID {
						output.Records = append(output.Records, record)
					}
				}
			}
			lines := make([]string, 0, len(output.Records)+1)
			lines = append(lines, fmt.Sprintf("%d record(s) in %s", len(output.Records), output.Source))
			for _, record := range output.Records {
				lines = append(lines, fmt.Sprintf("%s #%d %s %s", record.RunID, record.Sequence, record.ExecutedAt.Format("2006-01-02T15:04:05Z07:00"), record.Stage))
			}
			return a.writeResult(output, strings.Join(lines, "\n"))
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "only list this run")
	return cmd
}
