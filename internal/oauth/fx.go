package oauth

import (
	"net/http"

	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/oauth/client"
	oauthdomain "github.com/smallbiznis/movepoint/internal/oauth/domain"
	"github.com/smallbiznis/movepoint/internal/oauth/repository"
	"github.com/smallbiznis/movepoint/internal/oauth/service"
	"go.uber.org/fx"
)

var Module = fx.Module("oauth.service",
	fx.Provide(repository.Provide),
	fx.Provide(newTokenClient),
	fx.Provide(service.New),
	fx.Provide(
		func(s *service.Service) oauthdomain.Refresher { return s },
		func(s *service.Service) oauthdomain.TokenSource { return s },
		func(s *service.Service) oauthdomain.OwnerResolver { return s },
	),
)

func newTokenClient(cfg config.Config, clk clock.Clock) oauthdomain.TokenClient {
	return client.NewTokenClient(
		cfg.OAuth.TokenURL,
		cfg.OAuth.ClientID,
		cfg.OAuth.ClientSecret,
		client.WithHTTPClient(&http.Client{Timeout: cfg.OAuth.Timeout}),
		client.WithClock(clk),
	)
}
