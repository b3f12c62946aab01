// Package operator определяет контракт подключаемых операторов.
//
// Оператор — единица работы одного task. Он может выполняться за несколько
// вызовов: каждый вызов получает текущие State Params и возвращает один из
// вариантов Result:
//   - Success    — работа завершена
//   - RetryAfter — вызвать снова не раньше чем через Delay с новым State
//   - Failure    — постоянная ошибка
//
// Структура:
//   - operator.go — Operator, Factory, Request, варианты Result
//   - registry.go — реестр фабрик по тегу типа
//   - params.go   — чтение параметров оператора
//   - secrets.go  — иерархический SecretProvider и фильтрация по selectors
//   - backoff.go  — экспоненциальный poll interval в State Params
//   - errors.go   — ConfigError и классификация ошибок в ErrorDoc
//   - http.go     — оператор "http"
//   - wait.go     — оператор "wait"
//
// SQL-операторы находятся в пакете operator/jdbc.
package operator
