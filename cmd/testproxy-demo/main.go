// Command testproxy-demo fetches URLs, optionally through a record/playback
// test proxy.
//
// Proxy settings come from an optional YAML file (--config), then from the
// environment (USE_PROXY, PROXY_HOST, PROXY_PORT, PROXY_MODE,
// PROXY_RECORDING_FILE), which may be seeded from a .env file (--env-file).
// When USE_PROXY is not true the URLs are fetched directly.
//
//	$ USE_PROXY=true PROXY_MODE=record testproxy-demo https://example.com/
//	200 https://example.com/ (1256 bytes)
//
// The session is always stopped before exiting; a record session that is
// not stopped is not saved by the proxy.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/akupila/testproxy"
)

func main() {
	var (
		configFile = pflag.String("config", "", "YAML file with proxy settings")
		envFile    = pflag.String("env-file", ".env", "file with NAME VALUE lines loaded into the environment")
		name       = pflag.String("name", "testproxy-demo", "recording name used for the default recording file")
		dev        = pflag.Bool("dev", false, "human readable debug logging")
	)
	pflag.Parse()

	logger, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint: errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, logger, *configFile, *envFile, *name, pflag.Args(), os.Stdout); err != nil {
		logger.Error("demo failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadSettings(configFile, envFile, name string) (testproxy.Settings, error) {
	if err := testproxy.LoadDotEnv(envFile); err != nil {
		return testproxy.Settings{}, err
	}
	s := testproxy.DefaultSettings(name)
	if configFile != "" {
		var err error
		if s, err = testproxy.LoadSettingsFile(configFile, s); err != nil {
			return testproxy.Settings{}, err
		}
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return testproxy.Settings{}, err
	}
	return s, nil
}

func run(ctx context.Context, logger *zap.Logger, configFile, envFile, name string, urls []string, out io.Writer) (err error) {
	settings, err := loadSettings(configFile, envFile, name)
	if err != nil {
		return err
	}

	client := &http.Client{}
	if settings.Enabled {
		var stop func() error
		if stop, err = redirect(ctx, logger, settings, client); err != nil {
			return err
		}
		defer func() {
			if stopErr := stop(); stopErr != nil && err == nil {
				err = stopErr
			}
		}()
	}

	for _, u := range urls {
		if err := fetch(ctx, client, u, out); err != nil {
			return err
		}
	}
	return nil
}

// redirect starts a proxy session and installs a redirecting transport in
// client. The returned function stops the session.
func redirect(ctx context.Context, logger *zap.Logger, settings testproxy.Settings, client *http.Client) (func() error, error) {
	cfg, err := settings.Config()
	if err != nil {
		return nil, err
	}
	// One loopback client serves both the control calls and the redirected
	// requests, which all go to the proxy.
	loopback := testproxy.LoopbackClient()
	ctl := testproxy.NewController(loopback, testproxy.WithLogger(logger))
	session, err := ctl.Start(ctx, cfg, settings.RecordingFile)
	if err != nil {
		return nil, err
	}
	stop := func() error { return ctl.Stop(context.Background(), cfg, session) }
	rt, err := testproxy.NewTransport(loopback.Transport, cfg, session, testproxy.WithLogger(logger))
	if err != nil {
		stop() // nolint: errcheck
		return nil, err
	}
	client.Transport = rt
	return stop, nil
}

func fetch(ctx context.Context, client *http.Client, u string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d %s (%d bytes)\n", resp.StatusCode, u, len(body))
	return nil
}
