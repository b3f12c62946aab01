// Package telemetry — логирование и метрики процессов Conveyor.
//
// Логгер строится из LOG_LEVEL и LOG_FORMAT, одинаково для core, agent и
// scheduler. Атрибуты site_id, agent_id, task_id и session_id добавляются
// хелперами With*, чтобы строки одного attempt можно было собрать по ключу.
//
// Метрики регистрируются через promauto в DefaultRegisterer и отдаются
// каждым бинарником на /metrics.
package telemetry
