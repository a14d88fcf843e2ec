package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: DOCFEED_DISPATCH_BATCH_SIZE
// overrides dispatch.batch_size.
const EnvPrefix = "DOCFEED"

// Load reads a pipeline file; the format follows the extension (.json,
// .yaml, .yml, .toml). Defaults are applied first, then the file, then the
// environment.
func Load(path string) (Pipeline, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Pipeline{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("job", "")
	v.SetDefault("document.separator", ",")
	v.SetDefault("document.skip_conflicts", false)
	v.SetDefault("document.digest", false)
	v.SetDefault("document.parse_json", false)
	v.SetDefault("dispatch.batch_size", 100)
	v.SetDefault("dispatch.max_concurrent", 4)
	v.SetDefault("dispatch.shared_limiter", false)
	v.SetDefault("dispatch.wait_interval", "5s")
	v.SetDefault("dispatch.max_timeouts", 12)
	v.SetDefault("dispatch.sink_retries", 3)
	v.SetDefault("dispatch.retry_delay", "500ms")
	v.SetDefault("suspend.kind", "")
	v.SetDefault("suspend.poll_interval", "5s")
	v.SetDefault("runtime.workers", 1)
	v.SetDefault("runtime.schedule", "")
	v.SetDefault("runtime.metrics_interval", "0s")
	v.SetDefault("metrics.backend", "none")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.datadog_addr", "")
	v.SetDefault("metrics.namespace", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("control.addr", "")
}

func decode(v *viper.Viper) (Pipeline, error) {
	var p Pipeline
	if err := v.Unmarshal(&p); err != nil {
		return Pipeline{}, fmt.Errorf("decode config: %w", err)
	}
	for i := range p.Tasks {
		if p.Tasks[i].Source.Options == nil {
			p.Tasks[i].Source.Options = Options{}
		}
		if p.Tasks[i].Sink.Options == nil {
			p.Tasks[i].Sink.Options = Options{}
		}
	}
	if p.Sink.Options == nil {
		p.Sink.Options = Options{}
	}
	if p.Suspend.Options == nil {
		p.Suspend.Options = Options{}
	}
	return p, nil
}
