// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/twmb/franz-go/pkg/sasl/plain"
	"go.uber.org/zap"
)

// Helper to read and parse Kafka env vars.
type envConfig struct {
	logger     *zap.Logger
	configFile string
	brokers    []string
	plainText  bool
	tls        *tls.Config
	sasl       SASLMechanism
}

func loadEnvConfig(logger *zap.Logger, configFile string) (*envConfig, error) {
	cfg := &envConfig{
		logger:     logger,
		configFile: configFile,
	}

	// Only set config file via env vars, if not set explicitly.
	if cfg.configFile == "" {
		cfg.configFile = os.Getenv("KAFKA_CONFIG_FILE")
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.brokers = strings.Split(v, ",")
	}

	if os.Getenv("KAFKA_PLAINTEXT") == "true" {
		cfg.plainText = true
	} else {
		tlsConfig, err := cfg.loadTLSConfig()
		if err != nil {
			return cfg, err
		}
		cfg.tls = tlsConfig
	}

	saslMech, err := cfg.loadSASLConfig()
	if err != nil {
		return cfg, err
	}
	cfg.sasl = saslMech

	return cfg, nil
}

func (e *envConfig) loadTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{}

	// Override server name if env var is set.
	if name, exists := os.LookupEnv("KAFKA_TLS_SERVER_NAME"); exists {
		e.logger.Debug("overriding TLS server name", zap.String("server_name", name))
		cfg.ServerName = name
	}

	caPath := os.Getenv("KAFKA_TLS_CA_CERT_PATH")
	if os.Getenv("KAFKA_TLS_INSECURE") == "true" {
		if caPath != "" {
			return nil, fmt.Errorf(
				"kafka: cannot set KAFKA_TLS_INSECURE when KAFKA_TLS_CA_CERT_PATH is set",
			)
		}
		cfg.InsecureSkipVerify = true
	}

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("kafka: error reading CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("kafka: no certificates found in %q", caPath)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func (e *envConfig) loadSASLConfig() (SASLMechanism, error) {
	saslConfig := saslConfigProperties{
		Mechanism: os.Getenv("KAFKA_SASL_MECHANISM"),
		Username:  os.Getenv("KAFKA_USERNAME"),
		Password:  os.Getenv("KAFKA_PASSWORD"),
	}

	if err := saslConfig.finalize(); err != nil {
		return nil, fmt.Errorf("kafka: error configuring SASL: %w", err)
	}

	var saslMech SASLMechanism
	if saslConfig.Mechanism == "PLAIN" {
		plainAuth := plain.Auth{
			User: saslConfig.Username,
			Pass: saslConfig.Password,
		}
		if plainAuth != (plain.Auth{}) {
			saslMech = plainAuth.AsMechanism()
		}
	}

	return saslMech, nil
}
