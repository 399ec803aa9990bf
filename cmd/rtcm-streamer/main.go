// rtcm-streamer reads RTCM3 frames from serial GNSS receiver and publishes
// them with capture timestamp to MQTT broker over mutual TLS.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/rtcm-streamer/hardware/uart"
	"github.com/temoto/rtcm-streamer/internal/publish"
	"github.com/temoto/rtcm-streamer/internal/stream"
	"github.com/temoto/rtcm-streamer/log2"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f, err := parseFlags(args, os.Stderr)
	if err == flag.ErrHelp {
		return stream.ExitOK
	}
	if err != nil {
		return stream.ExitStartup
	}

	log := log2.NewStderr(log2.LInfo)
	if os.Getenv("NOTIFY_SOCKET") != "" || !isatty.IsTerminal(os.Stderr.Fd()) {
		// systemd journal or file adds its own timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	c, err := loadConfig(log, f, hostname())
	if err != nil {
		log.Errorf("config: %s", errors.ErrorStack(err))
		return stream.ExitStartup
	}
	if c.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	log.Debugf("config=%+v", c)

	var tlsConfig *tls.Config
	if c.TLS.Insecure {
		log.Infof("TLS disabled, plaintext connection to %s", c.BrokerURL())
	} else {
		if tlsConfig, err = publish.LoadTLS(c.TLS.CertDir); err != nil {
			log.Errorf("credentials: %s", errors.ErrorStack(err))
			return stream.ExitStartup
		}
		log.Infof("using credentials from %s", c.TLS.CertDir)
	}

	sup, err := stream.New(stream.Options{
		OpenSource: func() (stream.Source, error) {
			log.Infof("attaching to %s baud=%d", c.Serial.Device, c.Serial.BaudRate)
			port, err := uart.Open(c.Serial.Device, c.Serial.BaudRate)
			if err != nil {
				return nil, err
			}
			return port, nil
		},
		Connect: func(ctx context.Context) (stream.Sink, error) {
			log.Infof("connecting to %s client_id=%s", c.BrokerURL(), c.Mqtt.ClientID)
			sink, err := publish.Connect(ctx, publish.Options{
				BrokerURL:      c.BrokerURL(),
				ClientID:       c.Mqtt.ClientID,
				Topic:          c.Mqtt.Topic,
				TLS:            tlsConfig,
				KeepAlive:      c.KeepAlive(),
				NetworkTimeout: c.NetworkTimeout(),
				QueueSize:      c.Mqtt.QueueSize,
				MaxInflight:    c.Mqtt.MaxInflight,
				Log:            log.Named("mqtt"),
				LogDebug:       c.Mqtt.LogDebug,
			})
			if err != nil {
				return nil, err
			}
			return sink, nil
		},
		TimestampWidth: c.Stream.TimestampWidth,
		SettleDelay:    c.SettleDelay(),
		DrainTimeout:   c.DrainTimeout(),
		StatInterval:   c.StatInterval(),
		VerifyCRC:      c.Stream.VerifyCRC,
		OnReady:        func() { sdnotify(log, daemon.SdNotifyReady) },
		Log:            log,
	})
	if err != nil {
		log.Errorf("%s", errors.ErrorStack(err))
		return stream.ExitStartup
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigch
		log.Infof("received signal=%s, shutting down", sig)
		sdnotify(log, daemon.SdNotifyStopping)
		cancel()
		sig = <-sigch
		log.Errorf("received signal=%s again, exit now", sig)
		os.Exit(stream.ExitFatal)
	}()

	result := sup.Run(ctx)
	if result.Err != nil {
		log.Errorf("%s", errors.ErrorStack(result.Err))
	}
	log.Infof("exit %s code=%d", result.Reason, result.ExitCode())
	return result.ExitCode()
}

func sdnotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Errorf("sdnotify: %s", errors.ErrorStack(err))
	}
	return ok
}
