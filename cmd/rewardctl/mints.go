package main

import (
	"context"
	"encoding/json"
	"fmt"

	rewarddomain "github.com/smallbiznis/movepoint/internal/reward/domain"
	rewardrepository "github.com/smallbiznis/movepoint/internal/reward/repository"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type mintLine struct {
	ID            string              `json:"id"`
	UserID        string              `json:"user_id"`
	ActivityID    string              `json:"activity_id"`
	Amount        float64             `json:"amount"`
	Points        int64               `json:"points"`
	Status        rewarddomain.Status `json:"status"`
	TxID          string              `json:"tx_id,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	Attempts      int                 `json:"attempts"`
}

func mintsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mints",
		Short: "List mint requests in a status, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("status")
			status := rewarddomain.Status(raw)
			switch status {
			case rewarddomain.StatusPending, rewarddomain.StatusSubmitted, rewarddomain.StatusConfirmed, rewarddomain.StatusFailed:
			default:
				return fmt.Errorf("unknown status %q", raw)
			}
			limit, _ := cmd.Flags().GetInt("limit")

			var (
				gdb  *gorm.DB
				repo rewarddomain.Repository
			)
			return runApp(cmd, func(ctx context.Context) error {
				items, err := repo.List(ctx, gdb, status, limit)
				if err != nil {
					return fmt.Errorf("list mints: %w", err)
				}
				if len(items) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "no %s mint requests\n", status)
					return nil
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, m := range items {
					line := mintLine{
						ID:            m.ID.String(),
						UserID:        m.UserID,
						ActivityID:    m.ActivityID.String(),
						Amount:        m.Amount,
						Points:        m.Points,
						Status:        m.Status,
						TxID:          m.TxID,
						FailureReason: m.FailureReason,
						Attempts:      m.Attempts,
					}
					if err := enc.Encode(line); err != nil {
						return err
					}
				}
				return nil
			},
				fx.Provide(rewardrepository.Provide),
				fx.Populate(&gdb, &repo),
			)
		},
	}
	cmd.Flags().String("status", string(rewarddomain.StatusFailed), "pending, submitted, confirmed or failed")
	cmd.Flags().IntP("limit", "n", 20, "Maximum rows")
	return cmd
}
