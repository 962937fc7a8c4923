// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"os"

	"gopkg.in/yaml.v3"

	"grimm.is/dragnet/internal/errors"
)

// ruleFile is the on-disk bootstrap format:
//
//	rules:
//	  - "GET /admin"
//	  - "(?i)password="
type ruleFile struct {
	Rules []string `yaml:"rules"`
}

// LoadFile reads a YAML rule file. The patterns go through the same
// compile-or-reject path as a runtime publish; this only parses the file.
func LoadFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "failed to read rule file %s", path)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "failed to parse rule file %s", path)
	}

	return rf.Rules, nil
}
