// Package config resolves the environment variables Ploinky consumes (spec
// §6), loading a local .env file once at process start the way
// codeready-toolchain-tarsy does before falling back to the process
// environment, which always takes precedence over .env.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads .env in the current directory into the process environment
// without overriding anything already set. Safe to call when .env is
// absent. Call once, at process start.
func Load() {
	_ = godotenv.Load() // missing .env is not an error
}

// Router holds the environment-derived configuration consumed by the router
// process (C11/C15).
type Router struct {
	Port            int
	PIDFile         string
	ConfigCacheTTL  time.Duration
	WebttyToken     string
	WebchatToken    string
	DashboardToken  string
	WebmeetToken    string
	AppName         string
	LogLevel        string
	LogFile         string
}

// LoadRouter resolves the Router configuration from the environment.
func LoadRouter() Router {
	return Router{
		Port:           intEnv("PORT", 8080),
		PIDFile:        getEnv("PLOINKY_ROUTER_PID_FILE", ".ploinky/running/router.pid"),
		ConfigCacheTTL: time.Duration(intEnv("PLOINKY_CONFIG_CACHE_TTL", 0)) * time.Millisecond,
		WebttyToken:    os.Getenv("WEBTTY_TOKEN"),
		WebchatToken:   os.Getenv("WEBCHAT_TOKEN"),
		DashboardToken: os.Getenv("WEBDASHBOARD_TOKEN"),
		WebmeetToken:   os.Getenv("WEBMEET_TOKEN"),
		AppName:        os.Getenv("APP_NAME"),
		LogLevel:       getEnv("PLOINKY_LOG_LEVEL", "info"),
		LogFile:        os.Getenv("PLOINKY_LOG_FILE"),
	}
}

func getEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func intEnv(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
