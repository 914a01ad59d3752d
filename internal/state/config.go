package state

import (
	"path/filepath"
	"strconv"

	"github.com/hashicorp/hcl"
	"github.com/joeshaw/envdecode"
	"github.com/juju/errors"
	"github.com/temoto/fire-relay/helpers"
	"github.com/temoto/fire-relay/internal/broker"
	"github.com/temoto/fire-relay/internal/channel"
	"github.com/temoto/fire-relay/internal/queue"
	"github.com/temoto/fire-relay/internal/status"
	"github.com/temoto/fire-relay/internal/store"
	"github.com/temoto/fire-relay/log2"
)

const (
	DefaultLocalBroker = "tcp://localhost:1883"
	DefaultCloudBroker = "tcp://industrial.api.ubidots.com:1883"
	DefaultStoreDSN    = "iot_data.db"
	DefaultMonitorSec  = 10
	DefaultConnectSec  = 30
	DefaultStartupSec  = 30
	DefaultAppendSec   = 10
)

type Config struct {
	includeSeen map[string]struct{}
	XXX_Include []ConfigSource `hcl:"include"`

	LogDebug           bool `hcl:"log_debug"`
	MonitorIntervalSec int  `hcl:"monitor_interval_sec"`
	// Fail startup if any broker is not reachable within connect_timeout_sec.
	ConnectRequired   bool   `hcl:"connect_required"`
	ConnectTimeoutSec int    `hcl:"connect_timeout_sec"`
	ResetSubtopic     string `hcl:"reset_subtopic"`

	Broker broker.Config       `hcl:"broker"`
	Local  channel.LocalConfig `hcl:"local"`
	Cloud  channel.CloudConfig `hcl:"cloud"`
	Queue  struct {
		// 0 = unbounded
		Capacity    int    `hcl:"capacity"`
		Overflow    string `hcl:"overflow"`
		PersistPath string `hcl:"persist_path"`
	} `hcl:"queue"`
	Store struct {
		store.Config      `hcl:",squash"`
		AppendTimeoutSec  int `hcl:"append_timeout_sec"`
		StartupTimeoutSec int `hcl:"startup_timeout_sec"`
	} `hcl:"store"`
	Status status.Config `hcl:"status"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// envOverride values win over config file, secrets usually come this way.
type envOverride struct {
	CloudToken  string `env:"FIRE_RELAY_CLOUD_TOKEN"`
	CloudBroker string `env:"FIRE_RELAY_CLOUD_BROKER"`
	LocalBroker string `env:"FIRE_RELAY_LOCAL_BROKER"`
	StoreDSN    string `env:"FIRE_RELAY_STORE_DSN"`
	LogDebug    string `env:"FIRE_RELAY_LOG_DEBUG"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		// content may hold secrets, not included
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads sources in order, later values override earlier.
// Then environment overrides and defaults are applied and result validated.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return c, err
	}
	if err := c.ApplyEnv(); err != nil {
		return c, err
	}
	c.SetDefaults()
	return c, c.Validate()
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func (c *Config) ApplyEnv() error {
	var env envOverride
	if err := envdecode.Decode(&env); err != nil {
		if err == envdecode.ErrNoTargetFieldsAreSet {
			return nil
		}
		return errors.Annotate(err, "config env")
	}
	if env.CloudToken != "" {
		c.Cloud.Token = env.CloudToken
	}
	if env.CloudBroker != "" {
		c.Cloud.Broker = env.CloudBroker
	}
	if env.LocalBroker != "" {
		c.Local.Broker = env.LocalBroker
	}
	if env.StoreDSN != "" {
		c.Store.DSN = env.StoreDSN
	}
	if env.LogDebug != "" {
		v, err := strconv.ParseBool(env.LogDebug)
		if err != nil {
			return errors.NotValidf("FIRE_RELAY_LOG_DEBUG=%s", env.LogDebug)
		}
		c.LogDebug = v
	}
	return nil
}

func (c *Config) SetDefaults() {
	if c.Local.Broker == "" {
		c.Local.Broker = DefaultLocalBroker
	}
	if c.Cloud.Broker == "" {
		c.Cloud.Broker = DefaultCloudBroker
	}
	if c.Store.Driver == "" {
		c.Store.Driver = store.DriverSQLite
	}
	if c.Store.DSN == "" {
		c.Store.DSN = DefaultStoreDSN
	}
	if c.Queue.Overflow == "" {
		c.Queue.Overflow = queue.DropOldest.String()
	}
	if c.MonitorIntervalSec == 0 {
		c.MonitorIntervalSec = DefaultMonitorSec
	}
	if c.ConnectTimeoutSec == 0 {
		c.ConnectTimeoutSec = DefaultConnectSec
	}
	if c.Store.StartupTimeoutSec == 0 {
		c.Store.StartupTimeoutSec = DefaultStartupSec
	}
	if c.Store.AppendTimeoutSec == 0 {
		c.Store.AppendTimeoutSec = DefaultAppendSec
	}
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	add(c.Broker.Validate())
	add(c.Local.Validate())
	add(c.Cloud.Validate())
	add(c.Store.Config.Validate())
	if _, err := queue.ParseOverflow(c.Queue.Overflow); err != nil {
		add(err)
	}
	if c.Queue.Capacity < 0 {
		add(errors.NotValidf("queue.capacity=%d", c.Queue.Capacity))
	}
	if c.MonitorIntervalSec < 0 {
		add(errors.NotValidf("monitor_interval_sec=%d", c.MonitorIntervalSec))
	}
	if c.ConnectTimeoutSec < 0 {
		add(errors.NotValidf("connect_timeout_sec=%d", c.ConnectTimeoutSec))
	}
	return helpers.FoldErrors(errs)
}
