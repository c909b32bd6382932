package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dpup/oauthdispatch"
	"github.com/dpup/oauthdispatch/models"
	"github.com/dpup/oauthdispatch/storage"
	"github.com/dpup/oauthdispatch/trust"
	"github.com/spf13/cobra"
)

func newAppsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Manage registered applications",
	}
	cmd.AddCommand(newAppsCreateCmd())
	cmd.AddCommand(newAppsListCmd())
	cmd.AddCommand(newAppsRestrictCmd(true))
	cmd.AddCommand(newAppsRestrictCmd(false))
	return cmd
}

// withStore runs fn against the configured store.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store storage.Store) error) error {
	ctx := commandContext(cmd)
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func newAppsCreateCmd() *cobra.Command {
	var (
		app       models.Application
		grantType string
		secret    string
		public    bool
		orgs      []string
	)

	cmd := &cobra.Command{
		Use:   "create <client-id>",
		Short: "Register an application",
		Long: `Register an application. A client secret is generated unless one is
given or --public is set; it is printed once and only its hash is stored.

Organizations are linked with --org short-name, repeatable. When no --scope is
given the application may request any registered scope.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ClientID = args[0]
			app.GrantType = models.GrantType(grantType)
			if cmd.Flags().Changed("scope") && app.Scopes == nil {
				app.Scopes = []string{}
			}
			for _, o := range orgs {
				app.Organizations = append(app.Organizations, models.Organization{
					ShortName:    o,
					ProviderType: models.ProviderContentProvider,
				})
			}
			if !public && secret == "" {
				secret = rand.Text()
			}
			if err := app.SetSecret(secret); err != nil {
				return err
			}

			return withStore(cmd, func(ctx context.Context, store storage.Store) error {
				if err := models.NewApplications(store).Create(ctx, &app); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created application %d (%s)\n", app.ID, app.ClientID)
				if secret != "" {
					fmt.Fprintf(out, "Client secret: %s\n", secret)
				}
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&app.ID, "id", 0, "Application ID, must be positive")
	cmd.Flags().StringVar(&app.Name, "name", "", "Name shown on the consent page")
	cmd.Flags().StringSliceVar(&app.RedirectURIs, "redirect-uri", nil, "Registered redirect URI, repeatable")
	cmd.Flags().StringSliceVar(&app.Scopes, "scope", nil, "Scope the application may request, repeatable")
	cmd.Flags().StringVar(&grantType, "grant-type", string(models.GrantAuthorizationCode), "authorization-code, implicit, password, client-credentials or openid-hybrid")
	cmd.Flags().BoolVar(&app.SkipAuthorization, "skip-authorization", false, "Grant without showing the consent page")
	cmd.Flags().StringVar(&secret, "secret", "", "Client secret, generated when empty")
	cmd.Flags().BoolVar(&public, "public", false, "Register a public client without a secret")
	cmd.Flags().StringSliceVar(&orgs, "org", nil, "Linked content-provider organization, repeatable")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newAppsListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered applications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store storage.Store) error {
				// Restriction markers are read uncached, the listing reports
				// what is stored.
				classifier := trust.NewClassifier(trust.NewMarkerStore(store))
				apps, err := models.NewApplications(store).List(ctx)
				if err != nil {
					return err
				}

				type row struct {
					models.Application
					Restricted bool
					Filters    []string
				}
				rows := make([]row, 0, len(apps))
				for i := range apps {
					restricted, err := classifier.IsRestricted(ctx, &apps[i])
					if err != nil {
						return err
					}
					apps[i].ClientSecret = ""
					rows = append(rows, row{apps[i], restricted, apps[i].AuthorizationFilters()})
				}

				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(rows)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCLIENT ID\tNAME\tGRANT\tSKIP\tRESTRICTED\tFILTERS")
				for _, r := range rows {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%t\t%s\n",
						r.ID, r.ClientID, r.Name, r.GrantType, r.SkipAuthorization, r.Restricted,
						strings.Join(r.Filters, ","))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

// newAppsRestrictCmd builds `restrict` or `unrestrict`. With a redis cache the
// change is written through to the shared cache. A memory cache lives inside
// each server process, so the CLI writes the store only and servers pick the
// change up once their cached answer expires.
func newAppsRestrictCmd(restrict bool) *cobra.Command {
	use, short := "unrestrict <client-id>", "Trust an application's tokens again"
	if restrict {
		use, short = "restrict <client-id>", "Issue an application's tokens already expired"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store storage.Store) error {
				app, err := models.NewApplications(store).GetByClientID(ctx, args[0])
				if err != nil {
					return err
				}
				classifier, err := newClassifier(ctx, store, false)
				if err != nil {
					return err
				}
				if restrict {
					err = classifier.Restrict(ctx, app)
				} else {
					err = classifier.Unrestrict(ctx, app)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s restricted: %t\n", app.ClientID, restrict)
				if oauthdispatch.ConfigString("cache.driver") == "memory" {
					fmt.Fprintf(cmd.OutOrStdout(),
						"Servers using cache.driver=memory see this within cache.ttl (%s)\n",
						oauthdispatch.ConfigDuration("cache.ttl"))
				}
				return nil
			})
		},
	}
}
