package observability

import (
	"github.com/quillora/quillbill/internal/config"
)

// Config carries the observability settings shared by metrics and tracing.
type Config struct {
	ServiceName          string
	Version              string
	Environment          string
	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
}

// LoadConfig derives observability settings from the app config.
func LoadConfig(appCfg config.Config) Config {
	return Config{
		ServiceName:          appCfg.AppName,
		Version:              appCfg.AppVersion,
		Environment:          appCfg.Environment,
		OtelEnabled:          appCfg.OtelEnabled,
		OtelExporterEndpoint: appCfg.OtelExporterEndpoint,
		OtelExporterProtocol: appCfg.OtelExporterProtocol,
	}
}

func (c Config) Debug() bool {
	return c.Environment == "development"
}
