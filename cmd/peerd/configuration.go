// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Listen    []listenConf
	Journal   journalConf
	Discovery discoveryConf
	HTTP      httpConf `toml:"http"`
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	MaxMessageSize  int64 `toml:"max-message-size"`
	MaxReceivedSize int64 `toml:"max-received-size"`
	UnixUsers       []int `toml:"unix-users"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// listenConf describes one address to listen on.
type listenConf struct {
	Address string
}

// journalConf describes the optional message journal.
type journalConf struct {
	Dir    string
	Expire string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// httpConf describes the HTTP statistics endpoint.
type httpConf struct {
	Listen string
}

// parseConfig reads and validates a TOML configuration file.
func parseConfig(filename string) (conf tomlConfig, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	err = conf.checkValid()
	return
}

// checkValid collects all errors of a configuration.
func (conf tomlConfig) checkValid() (errs error) {
	if len(conf.Listen) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("no listen block is configured"))
	}
	for i, l := range conf.Listen {
		if _, err := transport.ParseAddresses(l.Address); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("listen %d: %w", i, err))
		}
	}

	if conf.Core.MaxMessageSize < 0 {
		errs = multierror.Append(errs, fmt.Errorf("core.max-message-size is negative"))
	}
	if conf.Core.MaxReceivedSize < 0 {
		errs = multierror.Append(errs, fmt.Errorf("core.max-received-size is negative"))
	}

	if conf.Journal.Expire != "" {
		if conf.Journal.Dir == "" {
			errs = multierror.Append(errs, fmt.Errorf("journal.expire is set without journal.dir"))
		}
		if _, err := time.ParseDuration(conf.Journal.Expire); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("journal.expire: %w", err))
		}
	}

	if _, err := parseLogLevel(conf.Logging.Level); err != nil {
		errs = multierror.Append(errs, err)
	}
	switch conf.Logging.Format {
	case "", "text", "json":
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown logging format %q", conf.Logging.Format))
	}

	return
}

func parseLogLevel(level string) (log.Level, error) {
	if level == "" {
		return log.InfoLevel, nil
	}
	return log.ParseLevel(level)
}

// journalExpire returns the configured journal lifetime or zero.
func (conf tomlConfig) journalExpire() time.Duration {
	d, _ := time.ParseDuration(conf.Journal.Expire)
	return d
}

// applyLogging configures logrus based on the Logging block.
func applyLogging(conf logConf) {
	if lvl, err := parseLogLevel(conf.Level); err != nil {
		log.WithFields(log.Fields{
			"level":    conf.Level,
			"error":    err,
			"provided": "panic,fatal,error,warn,info,debug,trace",
		}).Warn("Failed to set log level. Please select one of the provided ones")
	} else {
		log.SetLevel(lvl)
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}
