package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehr/acquisition/internal/domain/endpoint"
	"github.com/ehr/acquisition/internal/domain/queryplan"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load facility configuration from JSON files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "endpoints <file.json>",
		Short: "Create or replace facility endpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eps, err := readFile(args[0], decodeEndpoints)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				for _, ep := range eps {
					if err := a.endpoints.SaveEndpoint(ctx, ep); err != nil {
						return fmt.Errorf("save endpoint %s: %w", ep.FacilityID, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d endpoint(s).\n", len(eps))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "plans <file.json>",
		Short: "Create or replace query plans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, err := readFile(args[0], decodePlans)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				for _, p := range plans {
					if err := a.plans.SavePlan(ctx, p); err != nil {
						return fmt.Errorf("save plan %s/%s: %w", p.FacilityID, p.Frequency, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d plan(s).\n", len(plans))
				return nil
			})
		},
	})
	return cmd
}

func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func readFile[T any](path string, decode func(io.Reader) (T, error)) (T, error) {
	f, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, err
	}
	defer f.Close()
	return decode(f)
}

// decodeEndpoints reads a JSON array of endpoints and validates each one so
// a bad file is rejected before anything is written.
func decodeEndpoints(r io.Reader) ([]*endpoint.FacilityEndpoint, error) {
	var eps []*endpoint.FacilityEndpoint
	if err := json.NewDecoder(r).Decode(&eps); err != nil {
		return nil, fmt.Errorf("decode endpoints: %w", err)
	}
	for i, ep := range eps {
		if err := ep.Validate(); err != nil {
			return nil, fmt.Errorf("endpoint %d (%s): %w", i, ep.FacilityID, err)
		}
	}
	return eps, nil
}

func decodePlans(r io.Reader) ([]*queryplan.QueryPlan, error) {
	var plans []*queryplan.QueryPlan
	if err := json.NewDecoder(r).Decode(&plans); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}
	for i, p := range plans {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("plan %d (%s): %w", i, p.PlanName, err)
		}
	}
	return plans, nil
}
