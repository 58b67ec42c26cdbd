// Package config holds the settings shared by the corral binaries: which
// store to coordinate through, how to launch workers, where quota answers
// come from, and the tuning of agents, sessions and wave runs. Named presets
// live in configs.go; a file may be loaded instead, and either way sections
// left empty take their values from the "default" preset.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/twitter/corral/launcher/dockerlauncher"
	"github.com/twitter/corral/launcher/ec2launcher"
	"github.com/twitter/corral/quota/awsquota"
)

// Duration is a time.Duration written as a string ("30s") in config files.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrapf(err, "duration must be a string like \"30s\", got %s", data)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// StoreConfig selects and tunes the state store.
type StoreConfig struct {
	Type string `json:"Type" yaml:"Type"` // memory, file, sqlite, s3, gcs, http

	Directory string `json:"Directory,omitempty" yaml:"Directory,omitempty"` // file
	Path      string `json:"Path,omitempty" yaml:"Path,omitempty"`           // sqlite
	URL       string `json:"URL,omitempty" yaml:"URL,omitempty"`             // http

	// s3 and gcs
	Bucket         string `json:"Bucket,omitempty" yaml:"Bucket,omitempty"`
	Prefix         string `json:"Prefix,omitempty" yaml:"Prefix,omitempty"`
	Region         string `json:"Region,omitempty" yaml:"Region,omitempty"`
	Endpoint       string `json:"Endpoint,omitempty" yaml:"Endpoint,omitempty"`
	ForcePathStyle bool   `json:"ForcePathStyle,omitempty" yaml:"ForcePathStyle,omitempty"`

	// Retry unavailable errors with backoff for up to this long. 0 uses the
	// statestore default and a negative value disables retrying.
	RetryFor Duration `json:"RetryFor,omitempty" yaml:"RetryFor,omitempty"`
	// Requests per second per process. 0 disables limiting.
	RateLimit float64 `json:"RateLimit,omitempty" yaml:"RateLimit,omitempty"`
	RateBurst int     `json:"RateBurst,omitempty" yaml:"RateBurst,omitempty"`
}

func (c StoreConfig) String() string {
	return fmt.Sprintf("StoreConfig: Type: %s, Directory: %s, Path: %s, URL: %s, Bucket: %s, Prefix: %s, Region: %s, RetryFor: %s, RateLimit: %g",
		c.Type, c.Directory, c.Path, c.URL, c.Bucket, c.Prefix, c.Region, c.RetryFor, c.RateLimit)
}

// LauncherConfig selects the default launcher and configures every backend.
type LauncherConfig struct {
	Type string `json:"Type" yaml:"Type"` // local, inprocess, docker, ec2, noop

	// Worker command for launchers that start processes; empty uses corral-worker.
	Command []string `json:"Command,omitempty" yaml:"Command,omitempty"`
	LogDir  string   `json:"LogDir,omitempty" yaml:"LogDir,omitempty"`

	Docker dockerlauncher.Config `json:"Docker" yaml:"Docker"`
	EC2    ec2launcher.Config    `json:"EC2" yaml:"EC2"`
}

func (c LauncherConfig) String() string {
	return fmt.Sprintf("LauncherConfig: Type: %s, Command: %v, LogDir: %s, Docker.Image: %s, EC2.ImageID: %s",
		c.Type, c.Command, c.LogDir, c.Docker.Image, c.EC2.ImageID)
}

// QuotaConfig selects the quota oracle.
type QuotaConfig struct {
	Type string `json:"Type" yaml:"Type"` // static, aws

	// Workers reported by the static oracle; 0 or less means unknown.
	Static int             `json:"Static,omitempty" yaml:"Static,omitempty"`
	AWS    awsquota.Config `json:"AWS" yaml:"AWS"`
}

func (c QuotaConfig) String() string {
	return fmt.Sprintf("QuotaConfig: Type: %s, Static: %d, AWS.Region: %s", c.Type, c.Static, c.AWS.Region)
}

// WorkerConfig tunes worker agents.
type WorkerConfig struct {
	InitialBackoff    Duration `json:"InitialBackoff,omitempty" yaml:"InitialBackoff,omitempty"`
	MaxBackoff        Duration `json:"MaxBackoff,omitempty" yaml:"MaxBackoff,omitempty"`
	IdleTimeout       Duration `json:"IdleTimeout,omitempty" yaml:"IdleTimeout,omitempty"`
	HeartbeatInterval Duration `json:"HeartbeatInterval,omitempty" yaml:"HeartbeatInterval,omitempty"`
	TaskDeadline      Duration `json:"TaskDeadline,omitempty" yaml:"TaskDeadline,omitempty"`
	ScanLimit         int      `json:"ScanLimit,omitempty" yaml:"ScanLimit,omitempty"`
}

func (c WorkerConfig) String() string {
	return fmt.Sprintf("WorkerConfig: InitialBackoff: %s, MaxBackoff: %s, IdleTimeout: %s, HeartbeatInterval: %s, TaskDeadline: %s, ScanLimit: %d",
		c.InitialBackoff, c.MaxBackoff, c.IdleTimeout, c.HeartbeatInterval, c.TaskDeadline, c.ScanLimit)
}

// SessionConfig holds session defaults for the CLI.
type SessionConfig struct {
	Workers      int      `json:"Workers,omitempty" yaml:"Workers,omitempty"`
	Timeout      Duration `json:"Timeout,omitempty" yaml:"Timeout,omitempty"`
	PollInterval Duration `json:"PollInterval,omitempty" yaml:"PollInterval,omitempty"`
	StaleAfter   Duration `json:"StaleAfter,omitempty" yaml:"StaleAfter,omitempty"`
}

func (c SessionConfig) String() string {
	return fmt.Sprintf("SessionConfig: Workers: %d, Timeout: %s, PollInterval: %s, StaleAfter: %s",
		c.Workers, c.Timeout, c.PollInterval, c.StaleAfter)
}

// WaveConfig tunes wave runs.
type WaveConfig struct {
	Class       string   `json:"Class,omitempty" yaml:"Class,omitempty"`
	MinPerWave  int      `json:"MinPerWave,omitempty" yaml:"MinPerWave,omitempty"`
	WaveTimeout Duration `json:"WaveTimeout,omitempty" yaml:"WaveTimeout,omitempty"`
}

func (c WaveConfig) String() string {
	return fmt.Sprintf("WaveConfig: Class: %s, MinPerWave: %d, WaveTimeout: %s", c.Class, c.MinPerWave, c.WaveTimeout)
}

// ServiceConfig is the full configuration of a corral deployment.
type ServiceConfig struct {
	Store    StoreConfig    `json:"Store" yaml:"Store"`
	Launcher LauncherConfig `json:"Launcher" yaml:"Launcher"`
	Quota    QuotaConfig    `json:"Quota" yaml:"Quota"`
	Worker   WorkerConfig   `json:"Worker" yaml:"Worker"`
	Session  SessionConfig  `json:"Session" yaml:"Session"`
	Wave     WaveConfig     `json:"Wave" yaml:"Wave"`
}

func (c ServiceConfig) String() string {
	return fmt.Sprintf("\n%s\n%s\n%s\n%s\n%s\n%s", c.Store, c.Launcher, c.Quota, c.Worker, c.Session, c.Wave)
}

// Names returns the preset names, sorted.
func Names() []string {
	names := make([]string, 0, len(ServiceConfigs))
	for k := range ServiceConfigs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// GetConfig returns the named preset with empty sections filled from "default".
func GetConfig(name string) (*ServiceConfig, error) {
	c, ok := ServiceConfigs[name]
	if !ok {
		return nil, fmt.Errorf("invalid configuration %s, supported values are %v", name, Names())
	}
	return withDefaults(c), nil
}

// LoadFile reads a config file, YAML if its extension is .yaml or .yml and
// JSON otherwise, and fills empty sections from "default".
func LoadFile(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	var c ServiceConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &c)
	default:
		err = json.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return withDefaults(c), nil
}

// Load treats selector as a file path if such a file exists and as a preset name otherwise.
func Load(selector string) (*ServiceConfig, error) {
	if _, err := os.Stat(selector); err == nil {
		return LoadFile(selector)
	}
	return GetConfig(selector)
}

// withDefaults replaces sections whose Type is unset with the default
// section, and fills zero tuning fields from the default values.
func withDefaults(c ServiceConfig) *ServiceConfig {
	d := defaultConfig
	if c.Store.Type == "" {
		log.Infof("using default Store config")
		c.Store = d.Store
	}
	if c.Launcher.Type == "" {
		log.Infof("using default Launcher config")
		c.Launcher = d.Launcher
	}
	if c.Quota.Type == "" {
		log.Infof("using default Quota config")
		c.Quota = d.Quota
	}

	fillDuration(&c.Worker.InitialBackoff, d.Worker.InitialBackoff)
	fillDuration(&c.Worker.MaxBackoff, d.Worker.MaxBackoff)
	fillDuration(&c.Worker.IdleTimeout, d.Worker.IdleTimeout)
	fillDuration(&c.Worker.HeartbeatInterval, d.Worker.HeartbeatInterval)
	fillDuration(&c.Worker.TaskDeadline, d.Worker.TaskDeadline)
	fillInt(&c.Worker.ScanLimit, d.Worker.ScanLimit)

	fillInt(&c.Session.Workers, d.Session.Workers)
	fillDuration(&c.Session.Timeout, d.Session.Timeout)
	fillDuration(&c.Session.PollInterval, d.Session.PollInterval)
	fillDuration(&c.Session.StaleAfter, d.Session.StaleAfter)

	if c.Wave.Class == "" {
		c.Wave.Class = d.Wave.Class
	}
	fillInt(&c.Wave.MinPerWave, d.Wave.MinPerWave)
	fillDuration(&c.Wave.WaveTimeout, d.Wave.WaveTimeout)
	return &c
}

func fillDuration(v *Duration, d Duration) {
	if *v == 0 {
		*v = d
	}
}

func fillInt(v *int, d int) {
	if *v == 0 {
		*v = d
	}
}
