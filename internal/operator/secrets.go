package operator

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SecretProvider — доступ к секретам оператора.
type SecretProvider interface {
	// GetSecret возвращает секрет по ключу.
	GetSecret(key string) (string, bool)

	// Namespace возвращает провайдер, в котором ключи ищутся с префиксом ns.
	Namespace(ns string) SecretProvider
}

// GetSecretRequired возвращает секрет или ErrSecretNotFound.
func GetSecretRequired(p SecretProvider, key string) (string, error) {
	if v, ok := p.GetSecret(key); ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
}

// FallbackSecret ищет key в нескольких namespace по порядку.
//
// Например, FallbackSecret(p, "access-key-id", "aws.redshift_load",
// "aws.redshift", "aws") вернёт первый найденный из
// aws.redshift_load.access-key-id, aws.redshift.access-key-id, aws.access-key-id.
func FallbackSecret(p SecretProvider, key string, namespaces ...string) (string, bool) {
	for _, ns := range namespaces {
		if v, ok := p.Namespace(ns).GetSecret(key); ok {
			return v, true
		}
	}
	return "", false
}

// SecretStore — плоское хранилище секретов с ключами через точку.
type SecretStore struct {
	values map[string]string
}

// NewSecretStore создаёт хранилище из плоского map.
func NewSecretStore(values map[string]string) *SecretStore {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &SecretStore{values: copied}
}

// LoadSecretsFile читает YAML-файл секретов.
//
// Вложенные секции разворачиваются в ключи через точку:
//
//	aws:
//	  access-key-id: AKIA...
//	  redshift:
//	    secret-access-key: ...
//
// даёт aws.access-key-id и aws.redshift.secret-access-key.
func LoadSecretsFile(path string) (*SecretStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	return ParseSecrets(data)
}

// ParseSecrets разбирает YAML-документ секретов.
func ParseSecrets(data []byte) (*SecretStore, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse secrets: %w", err)
	}

	values := make(map[string]string)
	flattenSecrets("", doc, values)
	return &SecretStore{values: values}, nil
}

func flattenSecrets(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch t := v.(type) {
		case map[string]any:
			flattenSecrets(key, t, out)
		case nil:
		default:
			out[key] = fmt.Sprint(t)
		}
	}
}

// GetSecret реализует SecretProvider.
func (s *SecretStore) GetSecret(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Namespace реализует SecretProvider.
func (s *SecretStore) Namespace(ns string) SecretProvider {
	return &namespacedSecrets{parent: s, prefix: ns}
}

// Keys возвращает отсортированный список ключей.
func (s *SecretStore) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Filter возвращает провайдер, видящий только ключи под selectors.
//
// Selector "pg.*" открывает все ключи с префиксом "pg.", selector без
// звёздочки открывает ровно один ключ.
func (s *SecretStore) Filter(selectors []string) SecretProvider {
	return &filteredSecrets{store: s, selectors: selectors}
}

type namespacedSecrets struct {
	parent SecretProvider
	prefix string
}

func (n *namespacedSecrets) GetSecret(key string) (string, bool) {
	return n.parent.GetSecret(n.prefix + "." + key)
}

func (n *namespacedSecrets) Namespace(ns string) SecretProvider {
	return &namespacedSecrets{parent: n.parent, prefix: n.prefix + "." + ns}
}

type filteredSecrets struct {
	store     *SecretStore
	selectors []string
}

func (f *filteredSecrets) GetSecret(key string) (string, bool) {
	if !matchesSelectors(key, f.selectors) {
		return "", false
	}
	return f.store.GetSecret(key)
}

func (f *filteredSecrets) Namespace(ns string) SecretProvider {
	return &namespacedSecrets{parent: f, prefix: ns}
}

func matchesSelectors(key string, selectors []string) bool {
	for _, sel := range selectors {
		if prefix, ok := strings.CutSuffix(sel, "*"); ok {
			if strings.HasPrefix(key, prefix) {
				return true
			}
			continue
		}
		if key == sel {
			return true
		}
	}
	return false
}
