// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package cli

import (
	"flag"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yandex/piping/components/phttp"
	"github.com/yandex/piping/components/relayotel"
	"github.com/yandex/piping/core/config"
	"github.com/yandex/piping/core/journal"
	"github.com/yandex/piping/core/transfer"
	"github.com/yandex/piping/lib/zaputil"
)

const defaultConfigFile = "piping"

var configSearchDirs = []string{"./", "./config", "/etc/piping"}

type Config struct {
	Server    phttp.ServerConfig        `config:"server"`
	Relay     transfer.Config           `config:"relay"`
	Log       LogConfig                 `config:"log"`
	Journal   journal.Config            `config:"journal"`
	Telemetry relayotel.TelemetryConfig `config:"telemetry"`
}

type LogConfig struct {
	// Enabled false disables all logging.
	Enabled        bool `config:"enabled"`
	zaputil.Config `config:",squash"`
}

func DefaultConfig() Config {
	return Config{
		Server:    phttp.DefaultServerConfig(),
		Relay:     transfer.DefaultConfig(),
		Log:       LogConfig{Enabled: true, Config: zaputil.DefaultConfig()},
		Journal:   journal.DefaultConfig(),
		Telemetry: relayotel.DefaultTelemetryConfig(),
	}
}

// flagValues are command line options that override config file.
type flagValues struct {
	HTTPPort    uint
	EnableHTTPS bool
	HTTPSPort   uint
	KeyPath     string
	CrtPath     string
	EnableLog   bool
}

func (f *flagValues) register(fs *flag.FlagSet) {
	fs.UintVar(&f.HTTPPort, "http-port", 8080, "HTTP port")
	fs.BoolVar(&f.EnableHTTPS, "enable-https", false, "enable HTTPS")
	fs.UintVar(&f.HTTPSPort, "https-port", 8443, "HTTPS port")
	fs.StringVar(&f.KeyPath, "key-path", "", "private key path")
	fs.StringVar(&f.CrtPath, "crt-path", "", "certification path")
	fs.BoolVar(&f.EnableLog, "enable-log", true, "enable logging")
}

// apply sets to v only the flags that were explicitly passed.
func (f *flagValues) apply(fs *flag.FlagSet, v *viper.Viper) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "http-port":
			v.Set("server.http-addr", ":"+strconv.FormatUint(uint64(f.HTTPPort), 10))
		case "enable-https":
			v.Set("server.https.enabled", f.EnableHTTPS)
		case "https-port":
			v.Set("server.https.addr", ":"+strconv.FormatUint(uint64(f.HTTPSPort), 10))
		case "key-path":
			v.Set("server.https.key-path", f.KeyPath)
		case "crt-path":
			v.Set("server.https.crt-path", f.CrtPath)
		case "enable-log":
			v.Set("log.enabled", f.EnableLog)
		}
	})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(defaultConfigFile)
	for _, dir := range configSearchDirs {
		v.AddConfigPath(dir)
	}
	return v
}

// readConfig reads config file into v. Missing config file is not an error,
// unless file was set explicitly.
func readConfig(log *zap.Logger, v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
	}
	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok && file == "" {
		log.Info("No config file found. Using defaults.", zap.Strings("search-dirs", configSearchDirs))
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "config read")
	}
	log.Info("Config read", zap.String("file", v.ConfigFileUsed()))
	return nil
}

func decodeConfig(v *viper.Viper) (Config, error) {
	conf := DefaultConfig()
	err := config.DecodeAndValidate(v.AllSettings(), &conf)
	return conf, errors.WithMessage(err, "config decode")
}

func newLogger(conf LogConfig) (*zap.Logger, error) {
	if !conf.Enabled {
		return zap.NewNop(), nil
	}
	return zaputil.NewLogger(conf.Config, zap.AddCaller())
}
