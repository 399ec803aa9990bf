package main

import (
	"flag"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/rtcm-streamer/internal/config"
	"github.com/temoto/rtcm-streamer/log2"
)

type cmdFlags struct {
	config     string
	serialPort string
	baudRate   int
	certPath   string
	mqttURI    string
	mqttPort   int
	mqttTopic  string
	clientID   string
	logDebug   bool

	set map[string]bool
}

func parseFlags(args []string, output io.Writer) (*cmdFlags, error) {
	f := &cmdFlags{set: make(map[string]bool)}
	fs := flag.NewFlagSet("rtcm-streamer", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.config, "config", "", "HCL config file, optional")
	fs.StringVar(&f.serialPort, "serial-port", config.DefaultDevice, "serial device")
	fs.IntVar(&f.baudRate, "baud-rate", config.DefaultBaudRate, "serial baud rate")
	fs.StringVar(&f.certPath, "cert-path", "", "directory with device.crt, device.key, AmazonRootCA1.pem")
	fs.StringVar(&f.mqttURI, "mqtt-uri", "", "MQTT broker host")
	fs.IntVar(&f.mqttPort, "mqtt-port", config.DefaultMqttPort, "MQTT broker port")
	fs.StringVar(&f.mqttTopic, "mqtt-topic", config.DefaultTopic, "MQTT topic")
	fs.StringVar(&f.clientID, "client-id", "", "MQTT client id, default rtcm-streamer-<hostname>-<device>")
	fs.BoolVar(&f.logDebug, "log-debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 0 {
		return nil, errors.NotValidf("unexpected arguments %q", fs.Args())
	}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

// apply overrides config with explicitly set flags.
// Flag defaults fill only what config left empty, via ApplyDefaults.
func (f *cmdFlags) apply(c *config.Config) {
	if f.set["serial-port"] {
		c.Serial.Device = f.serialPort
	}
	if f.set["baud-rate"] {
		c.Serial.BaudRate = f.baudRate
	}
	if f.set["cert-path"] {
		c.TLS.CertDir = f.certPath
	}
	if f.set["mqtt-uri"] {
		c.Mqtt.Broker = f.mqttURI
	}
	if f.set["mqtt-port"] {
		c.Mqtt.Port = f.mqttPort
	}
	if f.set["mqtt-topic"] {
		c.Mqtt.Topic = f.mqttTopic
	}
	if f.set["client-id"] {
		c.Mqtt.ClientID = f.clientID
	}
	if f.logDebug {
		c.LogDebug = true
	}
}

func loadConfig(log *log2.Log, f *cmdFlags, hostname string) (*config.Config, error) {
	c := &config.Config{}
	if f.config != "" {
		var err error
		if c, err = config.ReadConfigFile(log, f.config); err != nil {
			return nil, err
		}
	}
	f.apply(c)
	c.ApplyDefaults(hostname)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
