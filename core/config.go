package core

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kat-co/vala"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host            string
		APIHost         string
		DebugHost       string
		ShutdownTimeout time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	TenantConfig struct {
		// DBPrefix prefixes every tenant database name (the locator).
		DBPrefix string
		// PoolSize caps open connections per tenant.
		PoolSize int
		// AcquireTimeout bounds the wait for a free handle when a
		// tenant's pool is saturated.
		AcquireTimeout time.Duration
		// IdleTimeout is how long an unused tenant pool survives before
		// the reaper closes it.
		IdleTimeout time.Duration
		// ReapInterval is how often idle pools are swept.
		ReapInterval time.Duration
	}

	Config struct {
		Debug        bool
		TestMode     bool
		Env          string
		Build        string
		AppName      string
		SecretKey    []byte
		TenantHeader string
		RollbarToken string

		Server   ServerConfig
		Database DatabaseConfig
		Tenant   TenantConfig
	}
)

func (c DatabaseConfig) Address() string {
	return c.Host + ":" + c.Port
}

func NewConfig() *Config {
	conf := viper.New()

	// defaults
	conf.SetTypeByDefaultValue(true)
	conf.SetDefault("debug", true)
	conf.SetDefault("build", "dev")
	conf.SetDefault("appName", "Elimu")
	conf.SetDefault("secretKey", "w3lp-kav)du9$+57=rh&oqxb2(h!x)#*c2(#yg4h^$cegm2emy")
	conf.SetDefault("tenantHeader", "X-Tenant-Code")
	conf.SetDefault("rollbarToken", "")

	conf.SetDefault("server.host", "localhost")
	conf.SetDefault("server.apiHost", "0.0.0.0:8000")
	conf.SetDefault("server.debugHost", "0.0.0.0:4000")
	conf.SetDefault("server.shutdownTimeout", 5*time.Second)

	conf.SetDefault("database.engine", "postgres")
	conf.SetDefault("database.host", "localhost")
	conf.SetDefault("database.port", "5432")
	conf.SetDefault("database.name", "elimu_registry")
	conf.SetDefault("database.user", "elimu")
	conf.SetDefault("database.password", "")
	conf.SetDefault("database.adminUser", "")
	conf.SetDefault("database.adminPassword", "")
	conf.SetDefault("database.disableTLS", true)

	conf.SetDefault("tenant.dbPrefix", "elimu_t_")
	conf.SetDefault("tenant.poolSize", 5)
	conf.SetDefault("tenant.acquireTimeout", 3*time.Second)
	conf.SetDefault("tenant.idleTimeout", 10*time.Minute)
	conf.SetDefault("tenant.reapInterval", time.Minute)

	env := os.Getenv("ENV") // DEV (local; default), TEST, QA, PROD
	var testMode bool
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		testMode = true
	}
	conf.SetEnvPrefix(env)
	conf.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(Getwd(), "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	conf.AutomaticEnv()

	c := &Config{
		Debug:        conf.GetBool("debug"),
		TestMode:     testMode,
		Env:          env,
		Build:        conf.GetString("build"),
		AppName:      conf.GetString("appName"),
		SecretKey:    []byte(conf.GetString("secretKey")),
		TenantHeader: conf.GetString("tenantHeader"),
		RollbarToken: conf.GetString("rollbarToken"),
		Server: ServerConfig{
			Host:            conf.GetString("server.host"),
			APIHost:         conf.GetString("server.apiHost"),
			DebugHost:       conf.GetString("server.debugHost"),
			ShutdownTimeout: conf.GetDuration("server.shutdownTimeout"),
		},
		Database: DatabaseConfig{
			Engine:        conf.GetString("database.engine"),
			Host:          conf.GetString("database.host"),
			Port:          conf.GetString("database.port"),
			Name:          conf.GetString("database.name"),
			User:          conf.GetString("database.user"),
			Password:      conf.GetString("database.password"),
			AdminUser:     conf.GetString("database.adminUser"),
			AdminPassword: conf.GetString("database.adminPassword"),
			DisableTLS:    conf.GetBool("database.disableTLS"),
		},
		Tenant: TenantConfig{
			DBPrefix:       conf.GetString("tenant.dbPrefix"),
			PoolSize:       conf.GetInt("tenant.poolSize"),
			AcquireTimeout: conf.GetDuration("tenant.acquireTimeout"),
			IdleTimeout:    conf.GetDuration("tenant.idleTimeout"),
			ReapInterval:   conf.GetDuration("tenant.reapInterval"),
		},
	}

	err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(c.AppName, "appName"),
		vala.StringNotEmpty(string(c.SecretKey), "secretKey"),
		vala.StringNotEmpty(c.TenantHeader, "tenantHeader"),
		vala.StringNotEmpty(c.Database.Engine, "database.engine"),
		vala.StringNotEmpty(c.Database.Name, "database.name"),
		vala.StringNotEmpty(c.Tenant.DBPrefix, "tenant.dbPrefix"),
		vala.GreaterThan(c.Tenant.PoolSize, 0, "tenant.poolSize"),
	).Check()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return c
}

func (c *Config) String() string {
	return fmt.Sprintf("%s (%s build %s)", c.AppName, c.Env, c.Build)
}
