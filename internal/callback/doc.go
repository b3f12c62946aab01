// Package callback реализует Task Callback Service — API ядра для агентов.
//
// Агент получает attempts через Lease, продлевает владение через Heartbeat
// и сообщает результат через Succeeded, Failed или Retry. Каждый мутирующий
// вызов предъявляет lock_id и agent_id; если lease уже не принадлежит
// агенту (истёк и выдан другому, или attempt завершён), вызов возвращает
// ErrLeaseConflict и attempt не меняется.
//
// Retry заменяет state params целиком и передаёт время следующего запуска
// Polling Scheduler (пакет dispatch).
package callback
