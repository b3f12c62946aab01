package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// ReservedPrefix — префикс ключей State Params, которые пишет сам движок
// (например, bookkeeping для backoff). Операторы не должны использовать
// этот префикс для собственных ключей.
const ReservedPrefix = "conveyor."

// StateParams — неизменяемый снимок state params task attempt.
//
// Это единственное, что переживает retry: оператор получает снимок на входе
// и возвращает новый снимок в RetryAfter. Методы With/Without возвращают
// копию, исходный снимок никогда не меняется.
//
// Ядро хранит документ как есть и заменяет его целиком только на retry.
// Числа декодируются через json.Number, поэтому JSON round-trip не меняет
// представление значений.
type StateParams struct {
	values map[string]any
}

// EmptyState возвращает пустой снимок.
func EmptyState() StateParams {
	return StateParams{}
}

// NewStateParams создаёт снимок из map. Map копируется (глубоко).
func NewStateParams(values map[string]any) StateParams {
	if len(values) == 0 {
		return StateParams{}
	}
	return StateParams{values: deepCopyMap(values)}
}

// Len возвращает количество ключей.
func (s StateParams) Len() int {
	return len(s.values)
}

// IsEmpty возвращает true, если ключей нет.
func (s StateParams) IsEmpty() bool {
	return len(s.values) == 0
}

// Has проверяет наличие ключа.
func (s StateParams) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Get возвращает копию значения по ключу.
func (s StateParams) Get(key string) (any, bool) {
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return deepCopyValue(v), true
}

// String возвращает строковое значение ключа.
func (s StateParams) String(key string) (string, bool) {
	v, ok := s.values[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Int возвращает целое значение ключа или defaultVal, если ключа нет.
// Ошибка возвращается, если значение есть, но не является целым числом.
func (s StateParams) Int(key string, defaultVal int) (int, error) {
	v, ok := s.values[key]
	if !ok {
		return defaultVal, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("state param %q is not an integer: %v", key, n)
		}
		return int(n), nil
	case json.Number:
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return 0, fmt.Errorf("state param %q is not an integer: %s", key, n)
		}
		return i, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("state param %q is not an integer: %q", key, n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("state param %q has unexpected type %T", key, v)
	}
}

// Keys возвращает отсортированный список ключей.
func (s StateParams) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// With возвращает новый снимок с установленным ключом.
func (s StateParams) With(key string, value any) StateParams {
	next := make(map[string]any, len(s.values)+1)
	for k, v := range s.values {
		next[k] = v
	}
	next[key] = deepCopyValue(value)
	return StateParams{values: next}
}

// Without возвращает новый снимок без ключа.
func (s StateParams) Without(key string) StateParams {
	if !s.Has(key) {
		return s
	}
	next := make(map[string]any, len(s.values))
	for k, v := range s.values {
		if k != key {
			next[k] = v
		}
	}
	return StateParams{values: next}
}

// Merge возвращает копию, дополненную значениями other (other приоритетнее).
func (s StateParams) Merge(other StateParams) StateParams {
	if other.IsEmpty() {
		return s
	}
	next := deepCopyMap(s.values)
	if next == nil {
		next = make(map[string]any, len(other.values))
	}
	for k, v := range other.values {
		next[k] = deepCopyValue(v)
	}
	return StateParams{values: next}
}

// Map возвращает глубокую копию содержимого.
func (s StateParams) Map() map[string]any {
	return deepCopyMap(s.values)
}

// Equal сравнивает два снимка по JSON-представлению.
func (s StateParams) Equal(other StateParams) bool {
	a, errA := s.MarshalJSON()
	b, errB := other.MarshalJSON()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// MarshalJSON сериализует снимок (ключи в отсортированном порядке).
func (s StateParams) MarshalJSON() ([]byte, error) {
	if s.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.values)
}

// UnmarshalJSON десериализует снимок с сохранением чисел как json.Number.
func (s *StateParams) UnmarshalJSON(data []byte) error {
	values, err := DecodeJSONObject(data)
	if err != nil {
		return fmt.Errorf("decode state params: %w", err)
	}
	s.values = values
	return nil
}

// DecodeJSONObject декодирует JSON-объект, сохраняя числа как json.Number.
// null и пустой ввод дают nil map.
func DecodeJSONObject(data []byte) (map[string]any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	return values, nil
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = deepCopyValue(t[i])
		}
		return out
	default:
		return v
	}
}
