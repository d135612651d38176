// Package config resolves the relay's startup configuration: cobra flags,
// with an optional .env file loaded first so operators can keep local
// overrides out of their shell history.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/vulcanrelay/relay/internal/worker"
)

// Config holds the relay's validated startup configuration.
type Config struct {
	CertPath    string
	KeyPath     string
	SignalAddr  string
	ControlAddr string

	RtcIp         string
	RtcAnnounceIp string
	RtcMinPort    uint16
	RtcMaxPort    uint16

	NoTLS   bool
	NoCors  bool
	LogTags []worker.LogTag

	RateLimitSignalConnect string
	RateLimitControlMutate string
	RedisAddr              string

	OtelCollectorAddr string
}

// RegisterFlags attaches the relay's CLI flags to cmd.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("cert-path", "", "TLS certificate path (required unless --no-tls)")
	flags.String("key-path", "", "TLS private key path (required unless --no-tls)")
	flags.String("signal-addr", "127.0.0.1:8443", "address the Signal API listens on")
	flags.String("control-addr", "127.0.0.1:9443", "address the Control API listens on")
	flags.String("rtc-ip", "", "IP the media worker binds RTP/RTCP sockets to")
	flags.String("rtc-announce-ip", "", "IP advertised to peers when it differs from --rtc-ip (e.g. behind NAT)")
	flags.Bool("no-tls", false, "serve Signal and Control APIs over plain HTTP/WS")
	flags.Bool("no-cors", false, "disable CORS on the Control API")
	flags.StringSlice("log-tags", nil, "media worker debug log tags (repeatable); one of: "+strings.Join(validLogTagNames(), ", "))
	flags.Uint16("rtc-ports-range-min", 10000, "lower bound of the media worker's RTP/RTCP port range")
	flags.Uint16("rtc-ports-range-max", 59999, "upper bound of the media worker's RTP/RTCP port range")
	flags.String("rate-limit-signal-connect", "100-M", "Signal API connection attempts allowed, ulule/limiter format")
	flags.String("rate-limit-control-mutate", "500-M", "Control API mutation calls allowed, ulule/limiter format")
	flags.String("redis-addr", "", "optional Redis address for a shared rate-limit store across relay instances")
	flags.String("otel-collector-addr", "", "optional OTLP/gRPC collector address; tracing is disabled when unset")
}

// Load reads an optional .env file (missing is not an error) and resolves
// Config from cmd's parsed flags, validating the combination the relay
// requires at startup (e.g. cert/key unless --no-tls).
func Load(cmd *cobra.Command) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	flags := cmd.Flags()
	cfg := &Config{}

	var err error
	if cfg.CertPath, err = flags.GetString("cert-path"); err != nil {
		return nil, err
	}
	if cfg.KeyPath, err = flags.GetString("key-path"); err != nil {
		return nil, err
	}
	if cfg.SignalAddr, err = flags.GetString("signal-addr"); err != nil {
		return nil, err
	}
	if cfg.ControlAddr, err = flags.GetString("control-addr"); err != nil {
		return nil, err
	}
	if cfg.RtcIp, err = flags.GetString("rtc-ip"); err != nil {
		return nil, err
	}
	if cfg.RtcAnnounceIp, err = flags.GetString("rtc-announce-ip"); err != nil {
		return nil, err
	}
	if cfg.NoTLS, err = flags.GetBool("no-tls"); err != nil {
		return nil, err
	}
	if cfg.NoCors, err = flags.GetBool("no-cors"); err != nil {
		return nil, err
	}
	if cfg.RtcMinPort, err = flags.GetUint16("rtc-ports-range-min"); err != nil {
		return nil, err
	}
	if cfg.RtcMaxPort, err = flags.GetUint16("rtc-ports-range-max"); err != nil {
		return nil, err
	}
	if cfg.RateLimitSignalConnect, err = flags.GetString("rate-limit-signal-connect"); err != nil {
		return nil, err
	}
	if cfg.RateLimitControlMutate, err = flags.GetString("rate-limit-control-mutate"); err != nil {
		return nil, err
	}
	if cfg.RedisAddr, err = flags.GetString("redis-addr"); err != nil {
		return nil, err
	}
	if cfg.OtelCollectorAddr, err = flags.GetString("otel-collector-addr"); err != nil {
		return nil, err
	}

	tags, err := flags.GetStringSlice("log-tags")
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		tag := worker.LogTag(t)
		if _, ok := worker.ValidLogTags[tag]; !ok {
			return nil, fmt.Errorf("invalid --log-tags value %q, must be one of: %s", t, strings.Join(validLogTagNames(), ", "))
		}
		cfg.LogTags = append(cfg.LogTags, tag)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if !c.NoTLS {
		if c.CertPath == "" {
			errs = append(errs, "--cert-path is required unless --no-tls is set")
		}
		if c.KeyPath == "" {
			errs = append(errs, "--key-path is required unless --no-tls is set")
		}
	}
	if c.RtcMinPort == 0 || c.RtcMaxPort == 0 || c.RtcMinPort > c.RtcMaxPort {
		errs = append(errs, fmt.Sprintf("--rtc-ports-range-min/--rtc-ports-range-max must form a non-empty range (got %d-%d)", c.RtcMinPort, c.RtcMaxPort))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validLogTagNames() []string {
	names := make([]string, 0, len(worker.ValidLogTags))
	for t := range worker.ValidLogTags {
		names = append(names, string(t))
	}
	return names
}
