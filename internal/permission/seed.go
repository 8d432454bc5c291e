package permission

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gkeferstein/messaging-server/internal/postgres"
)

func intPtr(n int) *int { return &n }

// DefaultRules are installed when the rule table is empty. Order here is
// documentation only; evaluation always sorts by priority.
var DefaultRules = []Rule{
	{
		ID:          "team-internal",
		Name:        "Team internal",
		SourceScope: ScopeTenant,
		SourceRoles: []string{"owner", "admin", "member"},
		TargetScope: ScopeTenant,
		TargetRoles: []string{"owner", "admin", "member"},
		IsActive:    true,
		Priority:    100,
	},
	{
		ID:          "support-channel",
		Name:        "Support channel",
		SourceScope: ScopePlatform,
		SourceRoles: []string{"owner", "admin", "member"},
		TargetScope: ScopePlatform,
		TargetRoles: []string{"platform_support"},
		IsActive:    true,
		Priority:    90,
	},
	{
		ID:          "platform-announcements",
		Name:        "Platform announcements",
		SourceScope: ScopePlatform,
		SourceRoles: []string{"platform_admin"},
		TargetScope: ScopePlatform,
		TargetRoles: []string{"owner", "admin", "member"},
		IsActive:    true,
		Priority:    80,
	},
	{
		ID:                "cross-org-managers",
		Name:              "Cross-org managers",
		SourceScope:       ScopePlatform,
		SourceRoles:       []string{"owner", "admin"},
		TargetScope:       ScopePlatform,
		TargetRoles:       []string{"owner", "admin"},
		RequireApproval:   true,
		MaxMessagesPerDay: intPtr(10),
		IsActive:          true,
		Priority:          50,
	},
}

// SeedDefaultRules installs DefaultRules when the rule table is empty. The
// check and the inserts share one transaction so concurrent instances cannot
// double-seed.
func SeedDefaultRules(ctx context.Context, db *pgxpool.Pool, logger zerolog.Logger) error {
	return postgres.WithTx(ctx, db, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM messaging_rules").Scan(&count); err != nil {
			return fmt.Errorf("count messaging rules: %w", err)
		}
		if count > 0 {
			return nil
		}

		for _, r := range DefaultRules {
			if _, err := tx.Exec(ctx,
				`INSERT INTO messaging_rules
				 (id, name, source_scope, source_roles, target_scope, target_roles,
				  require_approval, max_messages_per_day, is_active, priority)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				r.ID, r.Name, r.SourceScope, r.SourceRoles, r.TargetScope, r.TargetRoles,
				r.RequireApproval, r.MaxMessagesPerDay, r.IsActive, r.Priority,
			); err != nil {
				return fmt.Errorf("insert default rule %s: %w", r.ID, err)
			}
		}

		logger.Info().Int("rules", len(DefaultRules)).Msg("Seeded default messaging rules")
		return nil
	})
}
