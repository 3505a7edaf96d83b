package config

import (
    "fmt"
    "os"
    "reflect"
    "strconv"
    "strings"
    "time"

    "gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from YAML and environment variables
func LoadConfig(path string) (*Config, error) {
    data, err := os.ReadFile(path)
    if err != nil {
        return nil, fmt.Errorf("read config %s: %w", path, err)
    }
    return Parse(data)
}

// Parse decodes raw YAML, expands ${VARS}, applies env overrides and defaults.
func Parse(data []byte) (*Config, error) {
    cfg := &Config{}

    // Expand environment variables in YAML
    expanded := os.ExpandEnv(string(data))
    if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
        return nil, fmt.Errorf("parse config: %w", err)
    }

    overrideWithEnv(reflect.ValueOf(cfg).Elem())
    cfg.ApplyDefaults()
    return cfg, nil
}

// overrideWithEnv walks struct fields (recursing into nested structs) and
// replaces any field carrying an `env` tag whose variable is set.
func overrideWithEnv(v reflect.Value) {
    t := v.Type()

    for i := 0; i < t.NumField(); i++ {
        field := t.Field(i)
        fieldVal := v.Field(i)
        if !fieldVal.CanSet() {
            continue
        }

        if fieldVal.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
            overrideWithEnv(fieldVal)
            continue
        }

        envKey := field.Tag.Get("env")
        if envKey == "" {
            continue
        }

        envValue, exists := os.LookupEnv(envKey)
        if !exists {
            continue
        }

        switch fieldVal.Kind() {
        case reflect.String:
            fieldVal.SetString(envValue)
        case reflect.Int, reflect.Int64:
            if field.Type == reflect.TypeOf(time.Duration(0)) {
                if d, err := time.ParseDuration(envValue); err == nil {
                    fieldVal.SetInt(int64(d))
                }
                continue
            }
            if intValue, err := strconv.Atoi(envValue); err == nil {
                fieldVal.SetInt(int64(intValue))
            }
        case reflect.Bool:
            if boolValue, err := strconv.ParseBool(envValue); err == nil {
                fieldVal.SetBool(boolValue)
            }
        case reflect.Slice:
            if field.Type.Elem().Kind() == reflect.String {
                fieldVal.Set(reflect.ValueOf(splitCSV(envValue)))
            }
        }
    }
}

// MustEnv is used by main for values that have no sensible default.
func MustEnv(key string) string {
    v := strings.TrimSpace(os.Getenv(key))
    if v == "" {
        panic(fmt.Sprintf("missing required env %s", key))
    }
    return v
}
