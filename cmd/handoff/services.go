package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/handoff/pkg/presenter"
	"github.com/jingkaihe/handoff/pkg/services"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Inspect the configured services",
	Long:  `Commands for listing the configured services and verifying that their CLIs are installed and authenticated.`,
}

var servicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured services and their quota limits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, _ := cmd.Flags().GetString("format")
		format = strings.ToLower(format)
		if err := presenter.ValidateFormat(format); err != nil {
			return err
		}

		descriptors, err := appConfig.Descriptors()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if format == presenter.FormatTable {
			presenter.ServicesTable(out, descriptors)
			return nil
		}
		return presenter.Encode(out, format, descriptors)
	},
}

var servicesVerifyCmd = &cobra.Command{
	Use:   "verify [service...]",
	Short: "Check that service CLIs are installed and authenticated",
	Long: `Runs "<command> --version" and the authentication check of each service.
Without arguments every configured service is verified.

Exits with status 1 when any service has issues.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		descriptors, err := appConfig.Descriptors()
		if err != nil {
			return err
		}
		registry, err := services.NewRegistry(descriptors, nil)
		if err != nil {
			return err
		}

		results, err := verifyServices(ctx, registry, args)
		if err != nil {
			return &exitError{code: exitUnknownService, err: err}
		}
		if !reportVerifications(cmd.OutOrStdout(), results) {
			return &exitError{code: exitFailure}
		}
		return nil
	},
}

func init() {
	servicesListCmd.Flags().String("format", presenter.FormatTable, "Output format: table, json or yaml")

	servicesCmd.AddCommand(servicesListCmd)
	servicesCmd.AddCommand(servicesVerifyCmd)
}

// verifyServices verifies the named services, or all of them, concurrently.
// Results keep the order of ids.
func verifyServices(ctx context.Context, registry *services.Registry, ids []string) ([]services.Verification, error) {
	if len(ids) == 0 {
		ids = registry.Names()
	}

	targets := make([]services.Service, 0, len(ids))
	for _, id := range ids {
		service, err := registry.Get(id)
		if err != nil {
			return nil, err
		}
		targets = append(targets, service)
	}

	results := make([]services.Verification, len(targets))
	var wg sync.WaitGroup
	for i, service := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = services.Verify(ctx, service)
		}()
	}
	wg.Wait()
	return results, nil
}

// reportVerifications prints one block per service and reports whether all passed
func reportVerifications(w io.Writer, results []services.Verification) bool {
	allOK := true
	for _, v := range results {
		if v.OK {
			version := v.Version
			if version == "" {
				version = "unknown version"
			}
			fmt.Fprintf(w, "✓ %s (%s)\n", v.Service, version)
			continue
		}
		allOK = false
		fmt.Fprintf(w, "✗ %s\n", v.Service)
		for _, issue := range v.Issues {
			fmt.Fprintf(w, "    - %s\n", issue)
		}
	}
	return allOK
}
