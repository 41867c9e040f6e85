package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notiflow/internal/channel"
	"notiflow/internal/config"
	"notiflow/internal/directory"
	"notiflow/internal/engine"
	"notiflow/internal/httpapi"
	"notiflow/internal/intake"
	"notiflow/internal/routing"
	"notiflow/internal/scheduler"
	"notiflow/internal/storage"
	logx "notiflow/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	maxDelay, err := config.ParseDurationField("engine.max_delay", cfg.Engine.MaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{MaxDelay: maxDelay}, nil
}

func mapIntakeConfig(cfg *config.Config) (intake.Config, error) {
	if cfg.Engine.QueueSize < 0 {
		return intake.Config{}, fmt.Errorf("engine.queue_size must be >= 0")
	}
	window, err := config.ParseDurationField("engine.dedup_window", cfg.Engine.DedupWindow)
	if err != nil {
		return intake.Config{}, err
	}
	return intake.Config{
		Workers:     cfg.Engine.Workers,
		QueueSize:   cfg.Engine.QueueSize,
		DedupWindow: window,
	}, nil
}

// remoteChannels are the action types that contact a recipient.
var remoteChannels = []routing.ActionType{
	routing.ActionEmail,
	routing.ActionSMS,
	routing.ActionPush,
	routing.ActionWebhook,
}

// localActions change engine-side state and never leave the process.
var localActions = []routing.ActionType{
	routing.ActionAssign,
	routing.ActionArchive,
	routing.ActionEscalate,
}

func mapChannelConfigs(cfg *config.Config) (map[routing.ActionType]channel.Config, error) {
	out := make(map[routing.ActionType]channel.Config, len(remoteChannels))
	for name := range cfg.Channels {
		if !routing.ActionType(name).IsChannel() {
			return nil, fmt.Errorf("channels.%s: unknown channel", name)
		}
	}
	for _, at := range remoteChannels {
		cc := cfg.Channels[string(at)]
		prefix := "channels." + string(at)
		if cc.RatePerSec < 0 {
			return nil, fmt.Errorf("%s.rate_per_sec must be >= 0", prefix)
		}
		if cc.RetryMax < 0 {
			return nil, fmt.Errorf("%s.retry_max must be >= 0", prefix)
		}
		base, err := config.ParseDurationField(prefix+".retry_base", cc.RetryBase)
		if err != nil {
			return nil, err
		}
		maxDelay, err := config.ParseDurationField(prefix+".retry_max_delay", cc.RetryMaxDelay)
		if err != nil {
			return nil, err
		}
		cooldown, err := config.ParseDurationField(prefix+".cooldown", cc.Cooldown)
		if err != nil {
			return nil, err
		}
		out[at] = channel.Config{
			RatePerSec:       cc.RatePerSec,
			RetryMax:         cc.RetryMax,
			RetryBase:        base,
			RetryMaxDelay:    maxDelay,
			FailureThreshold: cc.FailureThreshold,
			Cooldown:         cooldown,
		}
	}
	return out, nil
}

func mapDirectory(cfg *config.Config) map[string]directory.Entry {
	out := make(map[string]directory.Entry, len(cfg.Recipients))
	for ref, rc := range cfg.Recipients {
		e := directory.Entry{Members: append([]string(nil), rc.Members...)}
		for _, c := range rc.Contacts {
			active := true
			if c.Active != nil {
				active = *c.Active
			}
			e.Contacts = append(e.Contacts, directory.ContactMethod{
				Channel:  strings.TrimSpace(c.Channel),
				Address:  strings.TrimSpace(c.Address),
				Priority: c.Priority,
				IsActive: active,
			})
		}
		out[strings.TrimSpace(ref)] = e
	}
	return out
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Timezone)}
}

// decodeInlineRoutes returns nil routes when the catalog is file backed.
func decodeInlineRoutes(cfg *config.Config) ([]routing.Route, error) {
	if strings.TrimSpace(cfg.Catalog.Path) != "" {
		return nil, nil
	}
	routes, err := routing.DecodeRoutes(cfg.Catalog.Routes)
	if err != nil {
		return nil, fmt.Errorf("catalog.routes: %w", err)
	}
	return routes, nil
}

// validateConfig rejects a config before it is committed, so a bad hot
// reload keeps the running one.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: invalid %q", lvl)
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapIntakeConfig(cfg); err != nil {
		return err
	}
	if _, err := mapChannelConfigs(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: invalid %q: %w", tz, err)
		}
	}
	if s := strings.TrimSpace(cfg.Reports.Schedule); s != "" {
		if _, err := scheduler.ParseSchedule(s); err != nil {
			return fmt.Errorf("reports.schedule: %w", err)
		}
	}
	if _, err := directory.NewStatic(mapDirectory(cfg)); err != nil {
		return fmt.Errorf("recipients: %w", err)
	}
	if _, err := decodeInlineRoutes(cfg); err != nil {
		return err
	}
	return nil
}
