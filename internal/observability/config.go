package observability

import (
	"strings"

	"github.com/smallbiznis/movepoint/internal/config"
	"go.uber.org/fx"
)

// ServiceRole names the binary emitting telemetry ("api", "worker",
// "scheduler"). Each main supplies one; SERVICE_ROLE overrides it.
type ServiceRole string

const roleAllInOne ServiceRole = "all"

// Config holds the resolved telemetry identity and exporter settings.
type Config struct {
	ServiceName string
	Role        ServiceRole
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	Export ExportConfig
}

type ExportConfig struct {
	Enabled       bool
	Endpoint      string
	Protocol      string
	SamplingRatio float64
}

type configParams struct {
	fx.In

	App  config.Config
	Role ServiceRole `optional:"true"`
}

func LoadConfig(p configParams) Config {
	return resolve(p.App, p.Role)
}

func resolve(app config.Config, supplied ServiceRole) Config {
	role := supplied
	if override := strings.TrimSpace(app.Telemetry.ServiceRole); override != "" {
		role = ServiceRole(override)
	}
	if role == "" {
		role = roleAllInOne
	}

	base := strings.TrimSpace(app.AppName)
	if base == "" {
		base = "movepoint"
	}
	name := base
	if role != roleAllInOne {
		name = base + "-" + string(role)
	}

	return Config{
		ServiceName: name,
		Role:        role,
		Environment: strings.TrimSpace(app.Environment),
		Version:     strings.TrimSpace(app.AppVersion),
		LogLevel:    app.Telemetry.LogLevel,
		LogFormat:   app.Telemetry.LogFormat,
		Export: ExportConfig{
			Enabled:       app.Telemetry.OTLPEnabled,
			Endpoint:      app.Telemetry.OTLPEndpoint,
			Protocol:      app.Telemetry.OTLPProtocol,
			SamplingRatio: app.Telemetry.SamplingRatio,
		},
	}
}

// Debug enables verbose logs and gin debug mode outside production-like envs.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}
