package main

import (
	"fmt"

	activitydomain "github.com/smallbiznis/movepoint/internal/activity/domain"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/scoring"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute the points and token amount for an activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawType, _ := cmd.Flags().GetString("type")
			distance, _ := cmd.Flags().GetFloat64("distance")
			movingTime, _ := cmd.Flags().GetInt64("moving-time")
			elevation, _ := cmd.Flags().GetFloat64("elevation")

			holder, err := config.NewScoringConfigHolder(zap.NewNop())
			if err != nil {
				return fmt.Errorf("load scoring config: %w", err)
			}
			calc := scoring.NewCalculator(holder)

			activityType := activitydomain.MapActivityType(rawType)
			points, err := calc.Score(scoring.Input{
				Type:                activityType,
				DistanceMeters:      distance,
				MovingTimeSeconds:   movingTime,
				ElevationGainMeters: elevation,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "type=%s multiplier=%.2f points=%d tokens=%.2f\n",
				activityType, calc.Multiplier(activityType), points, scoring.ToTokens(points))
			return nil
		},
	}
	cmd.Flags().StringP("type", "t", "run", "Platform activity type")
	cmd.Flags().Float64("distance", 0, "Distance in meters")
	cmd.Flags().Int64("moving-time", 0, "Moving time in seconds")
	cmd.Flags().Float64("elevation", 0, "Elevation gain in meters")
	return cmd
}
