package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/changerawr/domains/pkg/client"
)

var (
	projectID string
	apiToken  string
)

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "Manage a project's custom domains through the API",
}

func newClient() (*client.Client, error) {
	opts := []client.Option{}
	token := apiToken
	if token == "" {
		token = viper.GetString("api_token")
	}
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	return client.New(apiURL, opts...)
}

func requireProject() (string, error) {
	if projectID == "" {
		projectID = viper.GetString("project")
	}
	if projectID == "" {
		return "", fmt.Errorf("--project is required")
	}
	return projectID, nil
}

var domainsAddCmd = &cobra.Command{
	Use:   "add <domain>",
	Short: "Attach a domain to a project and print the DNS records to publish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := requireProject()
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		d, err := c.AddDomain(ctx, project, args[0])
		if err != nil {
			return fmt.Errorf("add domain: %w", err)
		}

		fmt.Printf("Domain ID: %s\n", d.ID)
		fmt.Printf("Status:    %s\n\n", d.Status)
		fmt.Println("Publish these DNS records:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tNAME\tVALUE\tTTL")
		for _, r := range d.Instructions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.Type, r.Name, r.Value, r.TTL)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\nWhen published, run:\n  chrdomains domains verify %s\n", d.ID)
		return nil
	},
}

var domainsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's domains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := requireProject()
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		list, err := c.ListDomains(ctx, project)
		if err != nil {
			return fmt.Errorf("list domains: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDOMAIN\tSTATUS\tLAST ERRORS")
		for _, d := range list.Domains {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Domain, d.Status, joinOr(d.LastErrors, "-"))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d of %d domains used\n", list.Count, list.Max)
		return nil
	},
}

var domainsGetCmd = &cobra.Command{
	Use:   "get <domain-id>",
	Short: "Show a domain and its DNS instructions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		d, err := c.GetDomain(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get domain: %w", err)
		}
		fmt.Printf("Domain:  %s\n", d.Domain)
		fmt.Printf("Project: %s\n", d.ProjectID)
		fmt.Printf("Status:  %s\n", d.Status)
		if d.LastCheckedAt != nil {
			fmt.Printf("Checked: %s\n", d.LastCheckedAt.Format("2006-01-02 15:04:05 MST"))
		}
		for _, e := range d.LastErrors {
			fmt.Printf("  - %s\n", e)
		}
		return nil
	},
}

var domainsVerifyCmd = &cobra.Command{
	Use:   "verify <domain-id>",
	Short: "Ask the platform to verify a domain's DNS records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		fmt.Printf("Verifying %s...\n", args[0])
		res, err := c.VerifyDomain(ctx, args[0])
		if errors.Is(err, client.ErrVerificationPending) {
			fmt.Println("Not verified yet. DNS changes can take up to 48 hours to propagate.")
			for _, e := range res.Errors {
				fmt.Printf("  - %s\n", e)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		fmt.Printf("✓ %s verified\n", res.Domain.Domain)
		return nil
	},
}

var domainsRemoveCmd = &cobra.Command{
	Use:   "remove <domain-id>",
	Short: "Detach a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd)
		defer cancel()

		if err := c.RemoveDomain(ctx, args[0]); err != nil {
			return fmt.Errorf("remove domain: %w", err)
		}
		fmt.Println("Domain removed")
		return nil
	},
}

func init() {
	domainsCmd.PersistentFlags().StringVar(&projectID, "project", "", "Project ID (or 'project' in the config file)")
	domainsCmd.PersistentFlags().StringVar(&apiToken, "token", "", "API bearer token (or 'api_token' in the config file)")

	domainsCmd.AddCommand(domainsAddCmd)
	domainsCmd.AddCommand(domainsListCmd)
	domainsCmd.AddCommand(domainsGetCmd)
	domainsCmd.AddCommand(domainsVerifyCmd)
	domainsCmd.AddCommand(domainsRemoveCmd)
}
