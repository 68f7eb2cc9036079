package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/fedivent/fedivent/logging"
	"gopkg.in/yaml.v3"
)

const Name = "fedivent"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host      string
		HttpPort  int    `yaml:"httpPort"`
		SslDomain string `yaml:"sslDomain"`
		// DevMode relaxes the outbound fetch target checks so that
		// localhost and *.local instances can federate during testing.
		// Never enable in production.
		DevMode   bool   `yaml:"devMode"`
		LogLevel  string `yaml:"logLevel"`
		LogFormat string `yaml:"logFormat"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		logging.Info().Str("path", configPath).Msg("config file not found, using embedded defaults")
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				logging.Warn().Str("path", userConfigPath).Err(writeErr).Msg("could not write default config")
			} else {
				logging.Info().Str("path", userConfigPath).Msg("created default config file")
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("FEDIVENT_HOST")
	envHttpPort := os.Getenv("FEDIVENT_HTTPPORT")
	envSslDomain := os.Getenv("FEDIVENT_SSLDOMAIN")
	envDevMode := os.Getenv("FEDIVENT_DEVMODE")
	envLogLevel := os.Getenv("FEDIVENT_LOGLEVEL")
	envLogFormat := os.Getenv("FEDIVENT_LOGFORMAT")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envDevMode == "true" {
		c.Conf.DevMode = true
	}

	if envLogLevel != "" {
		c.Conf.LogLevel = envLogLevel
	}

	if envLogFormat != "" {
		c.Conf.LogFormat = envLogFormat
	}

	return c, nil
}
