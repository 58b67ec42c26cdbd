package config

import (
	"time"

	"github.com/twitter/corral/launcher/dockerlauncher"
	"github.com/twitter/corral/launcher/ec2launcher"
	"github.com/twitter/corral/quota/awsquota"
)

// ServiceConfigs the map of available configurations
var ServiceConfigs = map[string]ServiceConfig{
	"default":      defaultConfig,
	"local.memory": localMemory,
	"local.file":   localFile,
	"local.sqlite": localSqlite,
	"aws":          awsConfig,
	"gcp":          gcpConfig,
}

// defaultConfig the configuration values that are used for empty parts of a specific configuration
var defaultConfig = ServiceConfig{
	Store: StoreConfig{
		Type: "memory",
	},
	Launcher: LauncherConfig{
		Type: "inprocess",
	},
	Quota: QuotaConfig{
		Type:   "static",
		Static: 8,
	},
	Worker: WorkerConfig{
		InitialBackoff:    Duration(500 * time.Millisecond),
		MaxBackoff:        Duration(30 * time.Second),
		IdleTimeout:       Duration(10 * time.Minute),
		HeartbeatInterval: Duration(30 * time.Second),
		ScanLimit:         32,
	},
	Session: SessionConfig{
		Workers:      2,
		Timeout:      Duration(time.Hour),
		PollInterval: Duration(2 * time.Second),
		StaleAfter:   Duration(5 * time.Minute),
	},
	Wave: WaveConfig{
		Class:       "default",
		MinPerWave:  1,
		WaveTimeout: Duration(time.Hour),
	},
}

// localMemory keeps everything in one process - !!! make sure this is added to ServiceConfigs above !!!
var localMemory = ServiceConfig{
	Store: StoreConfig{
		Type: "memory",
	},
	Launcher: LauncherConfig{
		Type: "inprocess",
	},
	Worker: WorkerConfig{
		InitialBackoff: Duration(50 * time.Millisecond),
		MaxBackoff:     Duration(time.Second),
		IdleTimeout:    Duration(time.Minute),
	},
	Session: SessionConfig{
		PollInterval: Duration(200 * time.Millisecond),
	},
}

// localFile runs workers as local processes sharing a directory - !!! make sure this is added to ServiceConfigs above !!!
var localFile = ServiceConfig{
	Store: StoreConfig{
		Type:      "file",
		Directory: ".corraldata/store",
	},
	Launcher: LauncherConfig{
		Type:   "local",
		LogDir: ".corraldata/logs",
	},
	Quota: QuotaConfig{
		Type:   "static",
		Static: 4,
	},
}

// localSqlite runs workers as local processes sharing a sqlite database - !!! make sure this is added to ServiceConfigs above !!!
var localSqlite = ServiceConfig{
	Store: StoreConfig{
		Type: "sqlite",
		Path: ".corraldata/corral.db",
	},
	Launcher: LauncherConfig{
		Type:   "local",
		LogDir: ".corraldata/logs",
	},
	Quota: QuotaConfig{
		Type:   "static",
		Static: 4,
	},
}

// awsConfig coordinates through S3 and runs workers on EC2 - !!! make sure this is added to ServiceConfigs above !!!
var awsConfig = ServiceConfig{
	Store: StoreConfig{
		Type:      "s3",
		Bucket:    "corral-state",
		Region:    "us-east-1",
		RetryFor:  Duration(time.Minute),
		RateLimit: 50,
		RateBurst: 20,
	},
	Launcher: LauncherConfig{
		Type: "ec2",
		EC2: ec2launcher.Config{
			Region:       "us-east-1",
			InstanceType: "c5.large",
		},
	},
	Quota: QuotaConfig{
		Type: "aws",
		AWS: awsquota.Config{
			Region:  "us-east-1",
			Classes: map[string]awsquota.Class{"default": awsquota.DefaultClass},
		},
	},
	Worker: WorkerConfig{
		MaxBackoff: Duration(time.Minute),
	},
}

// gcpConfig coordinates through GCS and runs workers in docker containers - !!! make sure this is added to ServiceConfigs above !!!
var gcpConfig = ServiceConfig{
	Store: StoreConfig{
		Type:      "gcs",
		Bucket:    "corral-state",
		RetryFor:  Duration(time.Minute),
		RateLimit: 50,
		RateBurst: 20,
	},
	Launcher: LauncherConfig{
		Type: "docker",
		Docker: dockerlauncher.Config{
			Image:          "corral-worker:latest",
			Pull:           true,
			StopTimeoutSec: 10,
		},
	},
	Quota: QuotaConfig{
		Type:   "static",
		Static: 16,
	},
}
