// Package scheduler запускает sessions по расписаниям.
//
// Scheduler периодически выбирает schedules с истекшим next_due_at и
// вызывает StartSession с session time = next_due_at. StartSession
// идемпотентен по (site, project, workflow, session time), поэтому
// повторный тик после сбоя не создаёт дубликат.
//
// Структура:
//   - scheduler.go — Tick и обработка одного schedule
//   - cron.go      — парсинг cron-выражений и вычисление следующего времени
//
// Leader election делается в cmd/conveyor-scheduler через
// pg_try_advisory_lock. Tick вызывается только лидером.
package scheduler
