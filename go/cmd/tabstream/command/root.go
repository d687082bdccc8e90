/*
Copyright 2026 The Tabstream Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package command

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tabstream.io/tabstream/go/log"
	"tabstream.io/tabstream/go/tds"
)

var (
	configFile string

	server        = "localhost"
	port          int
	user          string
	password      string
	database      string
	appName       = "tabstream"
	encryption    = "off"
	packetSize    int
	timeout       = 30 * time.Second
	accessToken   string
	tokenAudience string

	Root = &cobra.Command{
		Use:   "tabstream",
		Short: "tabstream is a command-line client for tabular database servers.",
		Long: "`tabstream` connects to a tabular database server, runs SQL batches " +
			"and prints their results.\n\n" +
			"Credentials can be a user password or a pre-issued bearer token for " +
			"federated authentication.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd.Flags()); err != nil {
				return err
			}
			return log.Init(cmd.Flags())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Flush()
		},
	}
)

func init() {
	log.RegisterFlags(Root.PersistentFlags())

	Root.PersistentFlags().StringVar(&configFile, "config", configFile, "Path to an optional config file. Command-line flags take precedence.")
	Root.PersistentFlags().StringVar(&server, "server", server, "Server host, optionally with an instance name after a backslash.")
	Root.PersistentFlags().IntVar(&port, "port", port, "Server port. 0 selects the protocol default.")
	Root.PersistentFlags().StringVar(&user, "user", user, "User name for password authentication.")
	Root.PersistentFlags().StringVar(&password, "password", password, "Password for password authentication.")
	Root.PersistentFlags().StringVar(&database, "database", database, "Initial database for the session.")
	Root.PersistentFlags().StringVar(&appName, "app-name", appName, "Application name reported at login.")
	Root.PersistentFlags().StringVar(&encryption, "encryption", encryption, "Encryption preference: off, on, not-supported or required.")
	Root.PersistentFlags().IntVar(&packetSize, "packet-size", packetSize, "Requested frame size. 0 selects the default; the server may renegotiate.")
	Root.PersistentFlags().DurationVar(&timeout, "timeout", timeout, "Timeout for connecting and for each query.")
	Root.PersistentFlags().StringVar(&accessToken, "access-token", accessToken, "Bearer token for federated authentication. Takes precedence over --password.")
	Root.PersistentFlags().StringVar(&tokenAudience, "token-audience", tokenAudience, "Expected audience of the bearer token.")
}

// loadConfig merges values from the optional config file into every
// flag the command line left unset.
func loadConfig(fs *pflag.FlagSet) error {
	if configFile == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("cannot read config file %v: %w", configFile, err)
	}

	var result error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := fs.Set(f.Name, v.GetString(f.Name)); err != nil && result == nil {
			result = fmt.Errorf("invalid config value for %v: %w", f.Name, err)
		}
	})
	return result
}

func parseEncryption(value string) (tds.EncryptionLevel, error) {
	switch value {
	case "off":
		return tds.EncryptOff, nil
	case "on":
		return tds.EncryptOn, nil
	case "not-supported":
		return tds.EncryptNotSupported, nil
	case "required":
		return tds.EncryptRequired, nil
	}
	return 0, fmt.Errorf("invalid encryption preference %q", value)
}

func connParams() (tds.ConnParams, error) {
	level, err := parseEncryption(encryption)
	if err != nil {
		return tds.ConnParams{}, err
	}
	return tds.ConnParams{
		Host:           server,
		Port:           port,
		User:           user,
		Database:       database,
		AppName:        appName,
		Encryption:     level,
		PacketSize:     packetSize,
		ConnectTimeout: timeout,
	}, nil
}

func authenticator() (tds.Authenticator, error) {
	if accessToken != "" {
		return tds.NewStaticTokenAuth(accessToken, tokenAudience)
	}
	return &tds.PasswordAuth{Pass: password}, nil
}
