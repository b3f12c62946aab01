package operator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GetString извлекает строку из params.
func GetString(params map[string]any, key, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// RequireString извлекает обязательную непустую строку.
func RequireString(params map[string]any, key string) (string, error) {
	s := GetString(params, key, "")
	if s == "" {
		return "", NewConfigError("parameter %q is required", key)
	}
	return s, nil
}

// GetInt извлекает целое число. ok=false, если ключа нет.
func GetInt(params map[string]any, key string) (int, bool, error) {
	v, exists := params[key]
	if !exists || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n != float64(int(n)) {
			return 0, false, NewConfigError("parameter %q must be an integer, got %v", key, n)
		}
		return int(n), true, nil
	case json.Number:
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return 0, false, NewConfigError("parameter %q must be an integer, got %s", key, n)
		}
		return i, true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false, NewConfigError("parameter %q must be an integer, got %q", key, n)
		}
		return i, true, nil
	default:
		return 0, false, NewConfigError("parameter %q must be an integer, got %T", key, v)
	}
}

// GetBool извлекает булево значение (поддерживает "true"/"false" строкой).
func GetBool(params map[string]any, key string, defaultVal bool) (bool, error) {
	v, exists := params[key]
	if !exists || v == nil {
		return defaultVal, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, NewConfigError("parameter %q must be a boolean, got %q", key, b)
		}
		return parsed, nil
	default:
		return false, NewConfigError("parameter %q must be a boolean, got %T", key, v)
	}
}

// HasParam проверяет, задан ли параметр (не nil).
func HasParam(params map[string]any, key string) bool {
	v, ok := params[key]
	return ok && v != nil
}

// GetMap извлекает вложенный map.
func GetMap(params map[string]any, key string) map[string]any {
	if v, ok := params[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// GetStringMap извлекает map[string]string (нестроковые значения пропускаются).
func GetStringMap(params map[string]any, key string) map[string]string {
	switch m := params[key].(type) {
	case map[string]string:
		return m
	case map[string]any:
		result := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				result[k] = s
			}
		}
		return result
	default:
		return nil
	}
}

// GetDuration извлекает длительность.
//
// Поддерживаются строки time.ParseDuration ("90s", "1h30m"), суффикс дней
// ("2d") и целое число секунд.
func GetDuration(params map[string]any, key string, defaultVal time.Duration) (time.Duration, error) {
	v, exists := params[key]
	if !exists || v == nil {
		return defaultVal, nil
	}

	if s, ok := v.(string); ok {
		d, err := ParseDuration(s)
		if err != nil {
			return 0, NewConfigError("parameter %q: %v", key, err)
		}
		return d, nil
	}

	secs, _, err := GetInt(params, key)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// ParseDuration парсит длительность с поддержкой суффикса "d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
