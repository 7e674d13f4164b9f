// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package instance parses and formats Cloud SQL instance connection names.
package instance

import (
	"strings"

	"cloud.google.com/go/cloudsqlconn/errtype"
)

// ConnName represents a Cloud SQL instance connection name, of the form
// project:region:name. Project may itself contain a colon, for legacy
// "domain-scoped" projects (e.g. "google.com:my-project").
type ConnName struct {
	Project string
	Region  string
	Name    string
}

// ParseConnName parses a Cloud SQL instance connection name of the form
// project:region:name into its components. Empty components are rejected.
func ParseConnName(cn string) (ConnName, error) {
	b := []byte(cn)
	loc := strings.LastIndex(string(b), ":")
	if loc == -1 {
		return ConnName{}, errtype.NewConfigError(
			"invalid instance connection name, expected "+
				"\"project:region:name\", got "+cn,
			cn,
		)
	}
	name := cn[loc+1:]
	rest := cn[:loc]
	loc = strings.LastIndex(rest, ":")
	if loc == -1 {
		return ConnName{}, errtype.NewConfigError(
			"invalid instance connection name, expected "+
				"\"project:region:name\", got "+cn,
			cn,
		)
	}
	region := rest[loc+1:]
	project := rest[:loc]

	if project == "" || region == "" || name == "" {
		return ConnName{}, errtype.NewConfigError(
			"invalid instance connection name, expected "+
				"\"project:region:name\", got "+cn,
			cn,
		)
	}
	return ConnName{Project: project, Region: region, Name: name}, nil
}

// String returns the instance's connection name in project:region:name
// form.
func (c ConnName) String() string {
	return c.Project + ":" + c.Region + ":" + c.Name
}

// RegionName joins the region and instance name with a literal "~", as
// required by some Cloud SQL Admin API resource paths.
func (c ConnName) RegionName() string {
	return c.Region + "~" + c.Name
}
