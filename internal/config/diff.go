// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"reflect"
	"sort"
	"strings"
)

// ChangeSummary describes the result of comparing two configurations.
type ChangeSummary struct {
	ChangedFields   []string // yaml paths of changed leaves, sorted
	RestartRequired bool     // true if any changed field is not hot-reloadable
}

// hotReloadAllowlist lists the fields that take effect without a restart.
var hotReloadAllowlist = map[string]struct{}{
	"log.level":        {},
	"api.rateLimitRPM": {},
}

// IsHotReloadable reports whether the field at path can change at runtime.
func IsHotReloadable(path string) bool {
	_, ok := hotReloadAllowlist[path]
	return ok
}

// Diff compares two configurations field by field.
func Diff(old, next Config) ChangeSummary {
	var s ChangeSummary
	s.compareStruct("", reflect.ValueOf(old), reflect.ValueOf(next))
	sort.Strings(s.ChangedFields)
	return s
}

func (s *ChangeSummary) compareStruct(prefix string, oldVal, nextVal reflect.Value) {
	t := oldVal.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := yamlName(f)
		if name == "" {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}

		ov := oldVal.Field(i)
		nv := nextVal.Field(i)
		if ov.Kind() == reflect.Struct {
			s.compareStruct(path, ov, nv)
			continue
		}
		if !reflect.DeepEqual(normalize(ov), normalize(nv)) {
			s.ChangedFields = append(s.ChangedFields, path)
			if !IsHotReloadable(path) {
				s.RestartRequired = true
			}
		}
	}
}

func yamlName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	if tag == "-" {
		return ""
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return strings.ToLower(f.Name)
}

// normalize treats nil and empty slices as equal.
func normalize(v reflect.Value) any {
	if v.Kind() == reflect.Slice && v.Len() == 0 {
		return nil
	}
	return v.Interface()
}

// applyHot copies the hot-reloadable fields of next onto cur.
func applyHot(cur, next Config) Config {
	cur.Log.Level = next.Log.Level
	cur.API.RateLimitRPM = next.API.RateLimitRPM
	return cur
}
