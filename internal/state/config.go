package state

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/temoto/powermon/helpers"
	"github.com/temoto/powermon/log2"
)

const (
	EnvWifiSSID     = "POWERMON_WIFI_SSID"
	EnvWifiPassword = "POWERMON_WIFI_PASSWORD"
	EnvAPIKey       = "POWERMON_API_KEY"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	// dotenv file with secrets, relative to first config
	EnvFile string `hcl:"env_file"`

	Log struct {
		Debug bool `hcl:"debug"`
	} `hcl:"log"`
	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`

	Link struct {
		Driver            string `hcl:"driver"` // wpa|sim
		Interface         string `hcl:"interface"`
		SSID              string `hcl:"ssid"`
		Password          string `hcl:"password"`
		TickMs            int    `hcl:"tick_ms"`
		BackoffMinSec     int    `hcl:"backoff_min_sec"`
		BackoffMaxSec     int    `hcl:"backoff_max_sec"`
		GuardSec          int    `hcl:"guard_sec"`
		ConnectTimeoutSec int    `hcl:"connect_timeout_sec"`
	} `hcl:"link"`

	DNS struct {
		Server     string `hcl:"server"`
		TimeoutSec int    `hcl:"timeout_sec"`
		CacheSize  int    `hcl:"cache_size"`
	} `hcl:"dns"`

	NTP struct {
		Server      string `hcl:"server"`
		Port        int    `hcl:"port"`
		TimeoutSec  int    `hcl:"timeout_sec"`
		TZOffsetSec *int   `hcl:"tz_offset_sec"`
		SetSystem   bool   `hcl:"set_system"`
	} `hcl:"ntp"`

	Tele struct {
		Enable     bool   `hcl:"enable"`
		Host       string `hcl:"host"`
		APIKey     string `hcl:"api_key"`
		Port       int    `hcl:"port"`
		TickMs     int    `hcl:"tick_ms"`
		PeriodSec  int    `hcl:"period_sec"`
		TimeoutSec int    `hcl:"timeout_sec"`
		UserAgent  string `hcl:"user_agent"`
		Persist    bool   `hcl:"persist"`
	} `hcl:"tele"`

	ADC struct {
		Driver       string  `hcl:"driver"` // ads1115|sim
		Bus          string  `hcl:"bus"`
		Addr         int     `hcl:"addr"`
		ReadyPinChip string  `hcl:"ready_pin_chip"`
		ReadyPin     string  `hcl:"ready_pin"`
		SimVoltage   float64 `hcl:"sim_voltage"`
		SimCurrent   float64 `hcl:"sim_current"`
	} `hcl:"adc"`

	Sampler struct {
		Samples        int     `hcl:"samples"`
		SampleRate     int     `hcl:"sample_rate"`
		CycleMs        int     `hcl:"cycle_ms"`
		VoltageChannel int     `hcl:"voltage_channel"`
		CurrentChannel int     `hcl:"current_channel"`
		VoltageOffset  float64 `hcl:"voltage_offset"`
		CurrentOffset  float64 `hcl:"current_offset"`
		VoltageFactor  float64 `hcl:"voltage_factor"`
		CurrentFactor  float64 `hcl:"current_factor"`
		VBase          float64 `hcl:"vbase"`
	} `hcl:"sampler"`

	Datalog struct {
		Kind        string `hcl:"kind"` // csv|sqlite|empty=off
		Path        string `hcl:"path"`
		IntervalSec int    `hcl:"interval_sec"`
	} `hcl:"datalog"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
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

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
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

// readEnv overlays secrets from dotenv file then process environment.
func (c *Config) readEnv(log *log2.Log, fs FullReader) error {
	env := map[string]string{}
	if c.EnvFile != "" {
		path := fs.Normalize(c.EnvFile)
		bs, err := fs.ReadAll(path)
		if err != nil {
			return errors.Annotatef(err, "config env_file=%s", c.EnvFile)
		}
		if bs == nil {
			log.Debugf("config env_file=%s not found", path)
		} else if env, err = godotenv.Unmarshal(string(bs)); err != nil {
			return errors.Annotatef(err, "config env_file=%s parse", c.EnvFile)
		}
	}
	for _, key := range []string{EnvWifiSSID, EnvWifiPassword, EnvAPIKey} {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	if v := env[EnvWifiSSID]; v != "" {
		c.Link.SSID = v
	}
	if v := env[EnvWifiPassword]; v != "" {
		c.Link.Password = v
	}
	if v := env[EnvAPIKey]; v != "" {
		c.Tele.APIKey = v
	}
	return nil
}

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
	if err := c.readEnv(log, fs); err != nil {
		errs = append(errs, err)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
