// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for iospace. Each setting is exposed as a command line flag.
package config

import (
	"fmt"
	"reflect"
	"strings"

	"gvisor.dev/iospace/pkg/log"
)

// Config holds configuration that is not part of a scenario.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr as well as the
	// log file.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Frames is the number of physical frames available to domains,
	// including the placeholder.
	Frames uint `flag:"frames"`

	// PanicOnFault crashes on a fatal bitmap fault instead of recording it.
	PanicOnFault bool `flag:"panic-on-fault"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	if c.Frames < 2 {
		return fmt.Errorf("--frames must be at least 2, got %d", c.Frames)
	}
	if uint64(c.Frames) > 1<<32-1 {
		return fmt.Errorf("--frames out of range: %d", c.Frames)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("\t%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
	log.Infof("\tAs flags: %s", strings.Join(c.ToFlags(), " "))
}
