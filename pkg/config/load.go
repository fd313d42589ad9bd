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

// Sections maps top-level configuration keys to the objects decoding them.
type Sections map[string]interface{}

// Load reads the configuration file at path and decodes each section into
// its object. Unknown top-level sections are an error.
func Load(path string, sections Sections) error {
	data, err := DataFromFile(path)
	if err != nil {
		return err
	}
	return data.DecodeSections(sections)
}

// DecodeSections decodes each known section of the data into its object.
func (d Data) DecodeSections(sections Sections) error {
	for key := range d {
		name := key
		for i, c := range key {
			if c == '.' {
				name = key[:i]
				break
			}
		}
		if _, ok := sections[name]; !ok {
			return configError("unknown configuration section %q", name)
		}
	}
	for name, obj := range sections {
		section, err := d.Pick(name)
		if err != nil {
			return err
		}
		if err := section.Decode(obj); err != nil {
			return configError("section %q: %v", name, err)
		}
	}
	return nil
}
