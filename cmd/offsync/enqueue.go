package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/offline"
	"github.com/steveyegge/offsync/internal/schema"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		id          string
		kind        string
		payload     string
		payloadFile string
		baseVersion int64
		priority    string
		dependsOn   []string
		maxRetries  int
	)

	cmd := &cobra.Command{
		Use:   "enqueue <entity-type> <entity-id>",
		Short: "Record an operation in the durable log",
		Long: `Record a mutation of one entity. The operation is delivered by the next
sync once the origin is reachable.

Examples:
  offsync enqueue card c1 --payload '{"title":"Draft"}'
  offsync enqueue card c1 --kind update --base-version 3 --payload-file card.json
  offsync enqueue comment m1 --depends-on 01J9Z... --priority high`,
		Args:    cobra.ExactArgs(2),
		GroupID: "sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := schema.ParsePriority(priority)
			if err != nil {
				return err
			}
			body := []byte(payload)
			if payloadFile != "" {
				if payload != "" {
					return fmt.Errorf("--payload and --payload-file are mutually exclusive")
				}
				// #nosec G304 - payload path is provided by the operator
				body, err = os.ReadFile(a.path(payloadFile))
				if err != nil {
					return fmt.Errorf("failed to read payload: %w", err)
				}
			}

			op := &schema.Operation{
				ID:           id,
				Kind:         schema.Kind(kind),
				EntityType:   args[0],
				EntityID:     args[1],
				BaseVersion:  baseVersion,
				Priority:     p,
				Dependencies: dependsOn,
				MaxRetries:   maxRetries,
			}
			if len(body) > 0 {
				op.Payload = schema.Payload(body)
			}

			return a.withManager(func(m *offline.Manager) error {
				if err := m.Enqueue(a.ctx, op); err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, a.ui.Pass(fmt.Sprintf("Queued %s (%s %s/%s, %s)",
					op.ID, op.Kind, op.EntityType, op.EntityID, op.Priority)))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Operation id (default generated)")
	cmd.Flags().StringVar(&kind, "kind", string(schema.KindCreate), "Operation kind: create, update, delete or sync")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read the JSON payload from a file")
	cmd.Flags().Int64Var(&baseVersion, "base-version", 0, "Entity version the payload was computed against")
	cmd.Flags().StringVarP(&priority, "priority", "p", "medium", "Priority: low, medium, high or critical")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "Operation ids that must complete first")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry budget (default from engine.max_retries)")
	return cmd
}
