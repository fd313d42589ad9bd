// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// Data is our internal representation of configuration data.
type Data map[string]interface{}

// DataFromObject remarshals the given object into configuration data.
func DataFromObject(obj interface{}) (Data, error) {
	raw, err := yaml.Marshal(obj)
	if err != nil {
		return nil, configError("failed to marshal object %T to data: %v", obj, err)
	}
	data := make(Data)
	if err = yaml.Unmarshal(raw, &data); err != nil {
		return nil, configError("failed to unmarshal object %T to data: %v", obj, err)
	}
	return data, nil
}

// DataFromBytes unmarshals YAML or JSON content into configuration data.
func DataFromBytes(raw []byte) (Data, error) {
	data := make(Data)
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, configError("failed to parse configuration: %v", err)
	}
	return data, nil
}

// DataFromFile unmarshals the content of the given file into configuration data.
func DataFromFile(path string) (Data, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: failed to read file %q", path)
	}
	data, err := DataFromBytes(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "config: file %q", path)
	}
	return data, nil
}

// Pick returns the data for the given key, merging in any dotted keys
// (key.sub: value) that refer to the same section.
func (d Data) Pick(key string) (Data, error) {
	var data Data
	var err error

	if obj, ok := d[key]; ok {
		data, err = DataFromObject(obj)
		if err != nil {
			return nil, err
		}
	}

	for k, v := range d {
		split := strings.Split(k, ".")
		if len(split) > 1 && split[0] == key {
			if data == nil {
				data = make(Data)
			}
			subkey := strings.Join(split[1:], ".")
			if _, ok := data[subkey]; ok {
				return nil, configError("dotted key %q conflicts with nested key %q", k, subkey)
			}
			data[subkey] = v
		}
	}

	return data, nil
}

// Decode remarshals the data into the given object. Fields not present in
// the data keep their current values.
func (d Data) Decode(obj interface{}) error {
	if len(d) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(d)
	if err != nil {
		return configError("failed to marshal data: %v", err)
	}
	if err := yaml.UnmarshalStrict(raw, obj); err != nil {
		return configError("failed to decode data into %T: %v", obj, err)
	}
	return nil
}

// String returns configuration data as a string.
func (d Data) String() string {
	raw, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Sprintf("<config.data: failed to marshal: %v>", err)
	}
	return string(raw)
}

func configError(format string, args ...interface{}) error {
	return errors.Errorf("config: "+format, args...)
}
