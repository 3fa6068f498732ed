// Copyright 2018 LINE Corporation
//
// LINE Corporation licenses this file to you under the Apache License,
// version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at:
//
//   https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package oada

import (
	"os"
	"testing"
	"time"
)

func TestNewConfigDefaults(t *testing.T) {
	os.Unsetenv("OADA_TLS_REJECT_UNAUTHORIZED")
	cfg, err := newConfig("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Domain != "https://example.com" {
		t.Errorf("Domain = %q, want https://example.com", cfg.Domain)
	}
	if cfg.Connection != ConnectionAuto {
		t.Errorf("Connection = %v, want %v", cfg.Connection, ConnectionAuto)
	}
	if cfg.Concurrency != defaultConcurrency {
		t.Errorf("Concurrency = %d, want %d", cfg.Concurrency, defaultConcurrency)
	}
	if cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should default to false")
	}
}

func TestNewConfigOptions(t *testing.T) {
	cfg, err := newConfig("https://example.com/",
		WithToken("tok"),
		WithConcurrency(4),
		WithConnection(ConnectionWS),
		WithUserAgent("myagent"),
		WithTimeout(5*time.Second),
		WithInsecureSkipVerify(true),
	)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Token != "tok" {
		t.Errorf("Token = %q", cfg.Token)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("Concurrency = %d", cfg.Concurrency)
	}
	if cfg.Connection != ConnectionWS {
		t.Errorf("Connection = %v", cfg.Connection)
	}
	if cfg.UserAgent != "myagent" {
		t.Errorf("UserAgent = %q", cfg.UserAgent)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be true")
	}
	if cfg.Domain != "https://example.com" {
		t.Errorf("Domain = %q, want trailing slash stripped", cfg.Domain)
	}
}

func TestNewConfigTLSEnvVar(t *testing.T) {
	os.Setenv("OADA_TLS_REJECT_UNAUTHORIZED", "0")
	defer os.Unsetenv("OADA_TLS_REJECT_UNAUTHORIZED")

	cfg, err := newConfig("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("expected OADA_TLS_REJECT_UNAUTHORIZED=0 to set InsecureSkipVerify")
	}
}

func TestNewConfigEmptyDomain(t *testing.T) {
	if _, err := newConfig(""); err == nil {
		t.Error("expected error for empty domain")
	}
}
