// Package config provides utilities to load environment variables & set config structs, it includes app, logger, db, redis, message queue, prometheus, http server, scheduler and cluster inventory variables.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains environment variables for the application, logger, storage, transport and scheduler
type (
	AppConfig struct {
		App        *App        `mapstructure:"app"`
		Redis      *Redis      `mapstructure:"redis"`
		Logger     *Logger     `mapstructure:"logger"`
		DB         *DB         `mapstructure:"db"`
		MQ         *MQ         `mapstructure:"mq"`
		Prometheus *Prometheus `mapstructure:"prometheus"`
		HTTP       *HTTP       `mapstructure:"http"`
		Scheduler  *Scheduler  `mapstructure:"scheduler"`
		Cluster    *Cluster    `mapstructure:"cluster"`
		Node       *Node       `mapstructure:"node"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Redis contains all the environment variables for the node registry and metrics cache
	Redis struct {
		Enabled  bool          `mapstructure:"enabled"`
		Host     string        `mapstructure:"host"`
		Port     string        `mapstructure:"port"`
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		NodeTTL  time.Duration `mapstructure:"nodeTTL"`
	}

	// DB contains all the environment variables for the audit database
	DB struct {
		Enabled    bool   `mapstructure:"enabled"`
		Connection string `mapstructure:"connection"`
		Database   string `mapstructure:"database"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
		MaxConns   int32  `mapstructure:"maxConns"`
	}

	// MQ contains all the environment variables for RabbitMQ
	MQ struct {
		Enabled  bool   `mapstructure:"enabled"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		VHost    string `mapstructure:"vhost"`
	}

	// Prometheus contains the query API location used for liveness checks
	Prometheus struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
	}

	// HTTP contains the submission API listener settings
	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"readTimeout"`
		WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	}

	// Scheduler contains weights, thresholds and pacing of the scheduling core
	Scheduler struct {
		MaxParallelTasks        int           `mapstructure:"maxParallelTasks"`
		Interval                time.Duration `mapstructure:"interval"`
		RebalanceEvery          int           `mapstructure:"rebalanceEvery"`
		MetricsEvery            int           `mapstructure:"metricsEvery"`
		FailoverTimeout         time.Duration `mapstructure:"failoverTimeout"`
		CPUThreshold            float64       `mapstructure:"cpuThreshold"`
		MemoryThreshold         float64       `mapstructure:"memoryThreshold"`
		MemoryWeight            float64       `mapstructure:"memoryWeight"`
		CPUWeight               float64       `mapstructure:"cpuWeight"`
		NetworkWeight           float64       `mapstructure:"networkWeight"`
		PriorityWeight          float64       `mapstructure:"priorityWeight"`
		HeightWeight            float64       `mapstructure:"heightWeight"`
		RescheduleThreshold     float64       `mapstructure:"rescheduleThreshold"`
		RescheduleMargin        float64       `mapstructure:"rescheduleMargin"`
		MemoryCriticalThreshold float64       `mapstructure:"memoryCriticalThreshold"`
		ReferenceBandwidthMbps  float64       `mapstructure:"referenceBandwidthMbps"`
		DecisionHistory         int           `mapstructure:"decisionHistory"`
		ExecutionPoolSize       int           `mapstructure:"executionPoolSize"`
		ExecutionTimeScale      float64       `mapstructure:"executionTimeScale"`
	}

	// Cluster is a static node inventory used when no registry is configured
	Cluster struct {
		Nodes []ClusterNode `mapstructure:"nodes"`
	}

	ClusterNode struct {
		ID          int     `mapstructure:"id"`
		Hostname    string  `mapstructure:"hostname"`
		CPU         float64 `mapstructure:"cpu"`
		MemoryGB    float64 `mapstructure:"memoryGB"`
		DiskGB      float64 `mapstructure:"diskGB"`
		NetworkMbps float64 `mapstructure:"networkMbps"`
	}

	// Node describes the machine a node agent runs on
	Node struct {
		ClusterNode       `mapstructure:",squash"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}
)

// URL builds the pgx connection string
func (db *DB) URL() string {
	return fmt.Sprintf("%s://%s:%s@%s:%s/%s?sslmode=disable",
		db.Connection,
		db.User,
		db.Password,
		db.Host,
		db.Port,
		db.Name,
	)
}

// URL builds the AMQP connection string
func (mq *MQ) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/%s", mq.User, mq.Password, mq.Host, mq.Port, mq.VHost)
}

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// setDefaults registers defaults so an empty config file still yields a runnable scheduler
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "clusterforge")
	v.SetDefault("app.env", "development")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
	v.SetDefault("logger.encoderConfig.messageKey", "msg")
	v.SetDefault("logger.encoderConfig.levelKey", "level")
	v.SetDefault("logger.encoderConfig.timeKey", "ts")
	v.SetDefault("logger.encoderConfig.nameKey", "logger")
	v.SetDefault("logger.encoderConfig.callerKey", "caller")

	v.SetDefault("db.connection", "postgres")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.maxConns", 4)
	v.SetDefault("redis.nodeTTL", 30*time.Second)
	v.SetDefault("mq.port", "5672")
	v.SetDefault("mq.vhost", "fog")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readTimeout", 10*time.Second)
	v.SetDefault("http.writeTimeout", 10*time.Second)
	v.SetDefault("http.shutdownTimeout", 10*time.Second)

	v.SetDefault("node.heartbeatInterval", 3*time.Second)

	d := SchedulerDefaults()
	v.SetDefault("scheduler.maxParallelTasks", d.MaxParallelTasks)
	v.SetDefault("scheduler.interval", d.Interval)
	v.SetDefault("scheduler.rebalanceEvery", d.RebalanceEvery)
	v.SetDefault("scheduler.metricsEvery", d.MetricsEvery)
	v.SetDefault("scheduler.failoverTimeout", d.FailoverTimeout)
	v.SetDefault("scheduler.cpuThreshold", d.CPUThreshold)
	v.SetDefault("scheduler.memoryThreshold", d.MemoryThreshold)
	v.SetDefault("scheduler.memoryWeight", d.MemoryWeight)
	v.SetDefault("scheduler.cpuWeight", d.CPUWeight)
	v.SetDefault("scheduler.networkWeight", d.NetworkWeight)
	v.SetDefault("scheduler.priorityWeight", d.PriorityWeight)
	v.SetDefault("scheduler.heightWeight", d.HeightWeight)
	v.SetDefault("scheduler.rescheduleThreshold", d.RescheduleThreshold)
	v.SetDefault("scheduler.rescheduleMargin", d.RescheduleMargin)
	v.SetDefault("scheduler.memoryCriticalThreshold", d.MemoryCriticalThreshold)
	v.SetDefault("scheduler.referenceBandwidthMbps", d.ReferenceBandwidthMbps)
	v.SetDefault("scheduler.decisionHistory", d.DecisionHistory)
	v.SetDefault("scheduler.executionPoolSize", d.ExecutionPoolSize)
	v.SetDefault("scheduler.executionTimeScale", d.ExecutionTimeScale)
}

// SchedulerDefaults returns the scheduler settings used when the config leaves them out
func SchedulerDefaults() Scheduler {
	return Scheduler{
		MaxParallelTasks:        4,
		Interval:                time.Second,
		RebalanceEvery:          5,
		MetricsEvery:            3,
		FailoverTimeout:         10 * time.Second,
		CPUThreshold:            0.80,
		MemoryThreshold:         0.85,
		MemoryWeight:            0.4,
		CPUWeight:               0.4,
		NetworkWeight:           0.2,
		PriorityWeight:          0.5,
		HeightWeight:            0.5,
		RescheduleThreshold:     0.85,
		RescheduleMargin:        0.1,
		MemoryCriticalThreshold: 0.5,
		ReferenceBandwidthMbps:  1000,
		DecisionHistory:         1000,
		ExecutionPoolSize:       4,
		ExecutionTimeScale:      1,
	}
}

func bindEnv(v *viper.Viper) error {
	v.AutomaticEnv()
	v.SetEnvPrefix("env")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind the app.name key to the APP_NAME environment variable
	if err := v.BindEnv("app.name", "APP_NAME"); err != nil {
		return fmt.Errorf("error finding APP_NAME env variable: %w", err)
	}

	// Bind DB variables
	v.BindEnv("db.host", "PG_HOST")
	v.BindEnv("db.port", "PG_PORT")
	v.BindEnv("db.user", "PG_USER")
	v.BindEnv("db.password", "PG_PASS")
	v.BindEnv("db.name", "PG_DB")

	// Bind Redis variables
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Bind RabbitMQ variables
	v.BindEnv("mq.user", "MQ_USER")
	v.BindEnv("mq.password", "MQ_PASS")
	v.BindEnv("mq.host", "MQ_HOST")
	v.BindEnv("mq.port", "MQ_PORT")

	// Bind node agent identity
	v.BindEnv("node.id", "NODE_ID")
	v.BindEnv("node.hostname", "HOSTNAME")
	return nil
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var config *AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if config == nil || config.Logger == nil || config.Scheduler == nil {
		return nil, errors.New("incomplete config after defaults")
	}
	// sections without defaults decode to nil when absent from the file
	if config.App == nil {
		config.App = &App{}
	}
	if config.Redis == nil {
		config.Redis = &Redis{}
	}
	if config.DB == nil {
		config.DB = &DB{}
	}
	if config.MQ == nil {
		config.MQ = &MQ{}
	}
	if config.Prometheus == nil {
		config.Prometheus = &Prometheus{}
	}
	if config.HTTP == nil {
		config.HTTP = &HTTP{}
	}
	if config.Cluster == nil {
		config.Cluster = &Cluster{}
	}
	if config.Node == nil {
		config.Node = &Node{}
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)
	return config, nil
}

// New creates a new AppConfig instance from config.yaml in the working directory or /etc/secrets/
func New() *AppConfig {
	// Set up viper to read the config.yaml file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/secrets/")
	setDefaults(viper.GetViper())
	if err := bindEnv(viper.GetViper()); err != nil {
		log.Fatal(err)
	}

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("config file not found: %v", err)
		} else {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	config, err := decode(viper.GetViper())
	if err != nil {
		log.Fatal(err)
	}
	return config
}

// Load reads an explicit config file. An empty path falls back to defaults and environment only.
func Load(path string) (*AppConfig, error) {
	v := viper.GetViper()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}
	return decode(v)
}
