package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bunker-saas/bunker/internal/auth"
	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/storage"
	"github.com/bunker-saas/bunker/internal/tenant"
	"github.com/bunker-saas/bunker/pkg/crypto"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newCreateCompanyCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create-company <name> <domain>",
		Short: "Register a company under its custom domain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := tenant.NormalizeHost(args[1])
			if domain == "" {
				return errors.New("domain is required")
			}

			_, store, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer store.Close()

			company := &models.Company{Name: strings.TrimSpace(args[0]), Domain: domain}
			if err := store.CreateCompany(cmd.Context(), company); err != nil {
				return fmt.Errorf("create company: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), company.ID)
			return nil
		},
	}
}

type createAdminOptions struct {
	Role string
}

func newCreateAdminCmd(root *rootOptions) *cobra.Command {
	var opts createAdminOptions

	cmd := &cobra.Command{
		Use:   "create-admin <domain> <email> <password>",
		Short: "Add an admin to a company",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.Role {
			case models.RoleOwner, models.RoleSuperAdmin, models.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", opts.Role)
			}

			cfg, store, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer store.Close()

			company, err := store.GetCompanyByDomain(cmd.Context(), tenant.NormalizeHost(args[0]))
			if err != nil {
				return fmt.Errorf("company %s: %w", args[0], err)
			}

			hash, err := crypto.HashPassword(args[2], cfg.Security.BcryptRounds)
			if err != nil {
				return err
			}

			admin := &models.Admin{
				CompanyID:    company.ID,
				Email:        models.NormalizeEmail(args[1]),
				PasswordHash: hash,
				Role:         opts.Role,
			}
			if err := store.CreateAdmin(cmd.Context(), admin); err != nil {
				return fmt.Errorf("create admin: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), admin.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Role, "role", models.RoleAdmin, "admin role (owner, superadmin, admin)")
	return cmd
}

type setPasswordOptions struct {
	Company string
}

func newSetPasswordCmd(root *rootOptions) *cobra.Command {
	var opts setPasswordOptions

	cmd := &cobra.Command{
		Use:   "set-admin-password <email> <password>",
		Short: "Replace an admin password and sign the admin out everywhere",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args[1]) > 72 {
				return errors.New("password longer than 72 bytes")
			}

			cfg, store, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer store.Close()

			var scope *uuid.UUID
			if opts.Company != "" {
				company, err := store.GetCompanyByDomain(cmd.Context(), tenant.NormalizeHost(opts.Company))
				if err != nil {
					return fmt.Errorf("company %s: %w", opts.Company, err)
				}
				scope = &company.ID
			}

			admin, err := auth.FindAdmin(cmd.Context(), store, scope, args[0])
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return fmt.Errorf("admin %s not found", args[0])
			case errors.Is(err, auth.ErrAmbiguousAdmin):
				return fmt.Errorf("%w, pass --company", err)
			case err != nil:
				return err
			}

			if err := auth.SetPassword(cmd.Context(), store, admin, args[1], cfg.Security.BcryptRounds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password updated for %s (%s)\n", admin.Email, admin.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Company, "company", "", "company domain the admin belongs to")
	return cmd
}

type hashPasswordOptions struct {
	Cost int
}

func newHashPasswordCmd() *cobra.Command {
	var opts hashPasswordOptions

	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for seeding admins by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := crypto.HashPassword(args[0], opts.Cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Cost, "cost", 12, "bcrypt cost")
	return cmd
}
