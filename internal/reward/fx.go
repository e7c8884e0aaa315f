package reward

import (
	"net/http"

	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/reward/client"
	rewarddomain "github.com/smallbiznis/movepoint/internal/reward/domain"
	"github.com/smallbiznis/movepoint/internal/reward/fraud"
	"github.com/smallbiznis/movepoint/internal/reward/repository"
	"github.com/smallbiznis/movepoint/internal/reward/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("reward.service",
	fx.Provide(repository.Provide),
	fx.Provide(newMintClient),
	fx.Provide(newFraudChecker),
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) rewarddomain.Dispatcher { return s }),
)

func newMintClient(cfg config.Config) rewarddomain.MintClient {
	return client.NewMintClient(cfg.Reward.MintURL, cfg.Reward.APIKey, &http.Client{Timeout: cfg.Reward.Timeout})
}

// newFraudChecker picks the checker by mode. The remote checker falls back to
// the local model while the fraud service breaker is open.
func newFraudChecker(cfg config.Config, breakers *circuitbreaker.Registry, log *zap.Logger) rewarddomain.FraudChecker {
	log = log.Named("reward.fraud")
	switch cfg.Fraud.Mode {
	case config.FraudModeDisabled:
		log.Warn("fraud screening disabled")
		return fraud.Disabled{}
	case config.FraudModeRemote:
		if cfg.Fraud.URL != "" {
			remote := fraud.NewHTTPChecker(cfg.Fraud.URL, &http.Client{Timeout: cfg.Fraud.Timeout})
			return fraud.NewGuarded(remote, fraud.NewLocalChecker(), breakers)
		}
		log.Warn("remote fraud mode without FRAUD_URL, using local model")
	}
	return fraud.NewLocalChecker()
}
