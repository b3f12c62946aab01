package operator

import (
	"fmt"
	"sort"
	"sync"
)

// Registry — реестр фабрик операторов по тегу типа.
//
// Потокобезопасен.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// RegisterBuiltins регистрирует операторы без внешних драйверов: http и wait.
// SQL-операторы регистрирует jdbc.Register.
func RegisterBuiltins(r *Registry) {
	r.Register(&HTTPFactory{})
	r.Register(&WaitFactory{})
}

// Register регистрирует фабрику.
// Если фабрика с таким типом уже есть, она будет перезаписана.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.Type()] = f
}

// Get возвращает фабрику по типу.
// Возвращает ErrUnknownOperatorType, если тип не зарегистрирован.
func (r *Registry) Get(operatorType string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[operatorType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperatorType, operatorType)
	}
	return f, nil
}

// Has проверяет, зарегистрирован ли тип.
func (r *Registry) Has(operatorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[operatorType]
	return ok
}

// Types возвращает отсортированный список зарегистрированных типов.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
