// Package config reads streamer settings from HCL file(s), command line flags fill the rest.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/rtcm-streamer/helpers"
	"github.com/temoto/rtcm-streamer/log2"
	"github.com/temoto/rtcm-streamer/rtcm"
)

const (
	DefaultDevice       = "/dev/ttyACM0"
	DefaultBaudRate     = 115200
	DefaultMqttPort     = 8883
	DefaultTopic        = "ntrip/data"
	DefaultQueueSize    = 1024
	DefaultKeepalive    = 30 * time.Second
	DefaultNetTimeout   = 10 * time.Second
	DefaultSettleDelay  = 1 * time.Second
	DefaultDrainTimeout = 5 * time.Second

	clientIDPrefix = "rtcm-streamer"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Serial struct {
		Device   string `hcl:"device"`
		BaudRate int    `hcl:"baud_rate"`
	} `hcl:"serial"`

	Mqtt struct {
		Broker            string `hcl:"broker"`
		Port              int    `hcl:"port"`
		Topic             string `hcl:"topic"`
		ClientID          string `hcl:"client_id"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		QueueSize         int    `hcl:"queue_size"`
		MaxInflight       int    `hcl:"max_inflight"`
		LogDebug          bool   `hcl:"log_debug"`
	} `hcl:"mqtt"`

	TLS struct {
		CertDir  string `hcl:"cert_dir"`
		Insecure bool   `hcl:"insecure_plaintext"` // tcp:// without TLS, for local test brokers only
	} `hcl:"tls"`

	Stream struct {
		TimestampWidth int  `hcl:"timestamp_width"`
		SettleMs       int  `hcl:"settle_ms"` // negative disables
		DrainSec       int  `hcl:"drain_sec"`
		StatSec        int  `hcl:"stat_sec"` // periodic counters log, 0 disables
		VerifyCRC      bool `hcl:"verify_crc"`
	} `hcl:"stream"`

	LogDebug bool `hcl:"log_debug"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) KeepAlive() time.Duration {
	return helpers.IntSecondDefault(c.Mqtt.KeepaliveSec, DefaultKeepalive)
}
func (c *Config) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Mqtt.NetworkTimeoutSec, DefaultNetTimeout)
}
func (c *Config) SettleDelay() time.Duration {
	if c.Stream.SettleMs < 0 {
		return 0
	}
	return helpers.IntMillisecondDefault(c.Stream.SettleMs, DefaultSettleDelay)
}
func (c *Config) DrainTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Stream.DrainSec, DefaultDrainTimeout)
}

func (c *Config) StatInterval() time.Duration {
	if c.Stream.StatSec <= 0 {
		return 0
	}
	return time.Duration(c.Stream.StatSec) * time.Second
}

// BrokerURL in paho format, ssl:// unless TLS is explicitly disabled.
func (c *Config) BrokerURL() string {
	scheme := "ssl"
	if c.TLS.Insecure {
		scheme = "tcp"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Mqtt.Broker, c.Mqtt.Port)
}

// ApplyDefaults fills zero values. hostname is used for client id only.
func (c *Config) ApplyDefaults(hostname string) {
	if c.Serial.Device == "" {
		c.Serial.Device = DefaultDevice
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = DefaultBaudRate
	}
	if c.Mqtt.Port == 0 {
		c.Mqtt.Port = DefaultMqttPort
	}
	if c.Mqtt.Topic == "" {
		c.Mqtt.Topic = DefaultTopic
	}
	if c.Mqtt.QueueSize == 0 {
		c.Mqtt.QueueSize = DefaultQueueSize
	}
	if c.Stream.TimestampWidth == 0 {
		c.Stream.TimestampWidth = rtcm.DefaultStampWidth
	}
	if c.Mqtt.ClientID == "" {
		c.Mqtt.ClientID = DefaultClientID(hostname, c.Serial.Device)
	}
}

// DefaultClientID is stable across restarts of the same station
// and differs between stations or devices on one host.
func DefaultClientID(hostname, device string) string {
	parts := []string{clientIDPrefix}
	if h := sanitizeID(hostname); h != "" {
		parts = append(parts, h)
	}
	if d := sanitizeID(filepath.Base(device)); d != "" && d != "." {
		parts = append(parts, d)
	}
	return strings.Join(parts, "-")
}

func sanitizeID(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return -1
	}, s)
}

// Validate reports all problems at once.
func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	if c.Serial.Device == "" {
		errs = append(errs, errors.NotValidf("config serial.device is empty"))
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, errors.NotValidf("config serial.baud_rate=%d", c.Serial.BaudRate))
	}
	if c.Mqtt.Broker == "" {
		errs = append(errs, errors.NotValidf("config mqtt.broker is empty"))
	}
	if c.Mqtt.Port <= 0 || c.Mqtt.Port > 0xffff {
		errs = append(errs, errors.NotValidf("config mqtt.port=%d", c.Mqtt.Port))
	}
	if c.Mqtt.Topic == "" || strings.ContainsAny(c.Mqtt.Topic, "+#") {
		errs = append(errs, errors.NotValidf("config mqtt.topic='%s'", c.Mqtt.Topic))
	}
	if c.Mqtt.ClientID == "" {
		errs = append(errs, errors.NotValidf("config mqtt.client_id is empty"))
	}
	if c.Mqtt.QueueSize < 0 {
		errs = append(errs, errors.NotValidf("config mqtt.queue_size=%d", c.Mqtt.QueueSize))
	}
	if c.TLS.CertDir == "" && !c.TLS.Insecure {
		errs = append(errs, errors.NotValidf("config tls.cert_dir is empty"))
	}
	w := c.Stream.TimestampWidth
	if w < rtcm.MinStampWidth || w > rtcm.MaxStampWidth {
		errs = append(errs, errors.NotValidf("config stream.timestamp_width=%d", w))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads names in order, later values override earlier.
// Empty names list returns zero config.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	if len(names) == 0 {
		return c, nil
	}
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func ReadConfigFile(log *log2.Log, path string) (*Config, error) {
	fs, err := NewOsFullReader(".")
	if err != nil {
		return nil, err
	}
	return ReadConfig(log, fs, path)
}
