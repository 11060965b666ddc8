package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Flags holds command-line overrides. Only flags the user actually set are
// applied, so file and environment values survive unset flags.
type Flags struct {
	fs     *pflag.FlagSet
	Config string
	values Config
}

func BindFlags(fs *pflag.FlagSet) *Flags {
	d := Default()
	f := &Flags{fs: fs}
	fs.StringVarP(&f.Config, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&f.values.APIURL, "api-url", d.APIURL, "tracker API base URL")
	fs.StringVar(&f.values.StreamURL, "stream-url", "", "push stream URL (derived from --api-url when empty)")
	fs.StringVar(&f.values.Token, "token", "", "bearer token")
	fs.StringVar(&f.values.TokenFile, "token-file", "", "file holding the bearer token, reloaded on change")
	fs.StringVar(&f.values.UserID, "user", "", "user id whose notifications are loaded")
	fs.StringSliceVar(&f.values.Projects, "project", nil, "project id to subscribe to (repeatable)")
	fs.DurationVar(&f.values.Reconnect.Interval, "reconnect-interval", d.Reconnect.Interval, "delay between reconnect attempts")
	fs.IntVar(&f.values.Reconnect.MaxAttempts, "max-reconnect-attempts", d.Reconnect.MaxAttempts, "consecutive failures before giving up")
	fs.Float64Var(&f.values.Reconnect.Jitter, "reconnect-jitter", d.Reconnect.Jitter, "reconnect interval jitter ratio (0.0-1.0)")
	fs.DurationVar(&f.values.ConnectTimeout, "connect-timeout", d.ConnectTimeout, "websocket dial timeout")
	fs.DurationVar(&f.values.AuthTimeout, "auth-timeout", d.AuthTimeout, "time to wait for the auth acknowledgement")
	fs.DurationVar(&f.values.PingInterval, "ping-interval", d.PingInterval, "keepalive ping interval (0 disables)")
	fs.DurationVar(&f.values.RequestTimeout, "request-timeout", d.RequestTimeout, "per-request API timeout")
	fs.StringVar(&f.values.Recency, "recency", d.Recency, "event recency policy: arrival-order or reject-stale")
	fs.StringVar(&f.values.LogLevel, "log-level", d.LogLevel, "log level")
	fs.StringVar(&f.values.LogFormat, "log-format", d.LogFormat, "log format: text or json")
	fs.StringVar(&f.values.MetricsAddr, "metrics-addr", "", "address for the Prometheus /metrics listener")
	return f
}

// Apply copies every flag the user set onto cfg.
func (f *Flags) Apply(cfg *Config) {
	str := func(name string, dst *string, value string) {
		if f.fs.Changed(name) {
			*dst = value
		}
	}
	dur := func(name string, dst *time.Duration, value time.Duration) {
		if f.fs.Changed(name) {
			*dst = value
		}
	}
	str("api-url", &cfg.APIURL, f.values.APIURL)
	str("stream-url", &cfg.StreamURL, f.values.StreamURL)
	str("token", &cfg.Token, f.values.Token)
	str("token-file", &cfg.TokenFile, f.values.TokenFile)
	str("user", &cfg.UserID, f.values.UserID)
	if f.fs.Changed("project") {
		cfg.Projects = append([]string(nil), f.values.Projects...)
	}
	dur("reconnect-interval", &cfg.Reconnect.Interval, f.values.Reconnect.Interval)
	if f.fs.Changed("max-reconnect-attempts") {
		cfg.Reconnect.MaxAttempts = f.values.Reconnect.MaxAttempts
	}
	if f.fs.Changed("reconnect-jitter") {
		cfg.Reconnect.Jitter = f.values.Reconnect.Jitter
	}
	dur("connect-timeout", &cfg.ConnectTimeout, f.values.ConnectTimeout)
	dur("auth-timeout", &cfg.AuthTimeout, f.values.AuthTimeout)
	dur("ping-interval", &cfg.PingInterval, f.values.PingInterval)
	dur("request-timeout", &cfg.RequestTimeout, f.values.RequestTimeout)
	str("recency", &cfg.Recency, f.values.Recency)
	str("log-level", &cfg.LogLevel, f.values.LogLevel)
	str("log-format", &cfg.LogFormat, f.values.LogFormat)
	str("metrics-addr", &cfg.MetricsAddr, f.values.MetricsAddr)
}
