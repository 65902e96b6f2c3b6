// Copyright 2020 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorse-io/flavor/storage"
	"github.com/juju/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("data_store", func(fl validator.FieldLevel) bool {
		return storage.IsDataStore(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// Validate checks every section of the configuration. Violations are reported
// as a single NotValid error naming each offending field.
func (config *Config) Validate() error {
	err := validate.Struct(config)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return errors.Trace(err)
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		messages = append(messages, describe(fieldError))
	}
	return errors.NotValidf("config (%s)", strings.Join(messages, "; "))
}

func describe(fieldError validator.FieldError) string {
	name := strings.TrimPrefix(fieldError.Namespace(), "Config.")
	switch fieldError.Tag() {
	case "required":
		return "`" + name + "` must not be empty"
	case "oneof":
		return "`" + name + "` must be one of [" + fieldError.Param() + "]"
	case "data_store":
		return "`" + name + "` must start with mongodb://, mongodb+srv://, redis:// or rediss://"
	default:
		return "`" + name + "` must satisfy " + fieldError.Tag() + "=" + fieldError.Param()
	}
}
