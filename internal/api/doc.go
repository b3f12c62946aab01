// Package api содержит HTTP API ядра.
//
// Структура:
//   - handler.go          — Handler с DI (callback service, store, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery, metrics)
//   - response.go         — унифицированные JSON-ответы и маппинг ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - callback_handler.go — agent callback API (lease, heartbeat, succeeded, failed, retry)
//   - project_handler.go  — загрузка и чтение проектов
//   - session_handler.go  — запуск sessions
//   - task_handler.go     — просмотр attempts
//   - schedule_handler.go — CRUD расписаний
//
// Все маршруты лежат под /api/v1/sites/{site}/.
package api
