// Package cli реализует инструмент командной строки Conveyor.
//
// # Обзор
//
// CLI работает с ядром через HTTP API пользователя. Из внутренних пакетов
// импортируется только project: он упаковывает директорию проекта в tar.gz.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент API одного site. Инкапсулирует запросы, разбор ответов
// (DataResponse, ListResponse, ErrorResponse) и ошибки.
//
//	client := cli.NewClient("http://localhost:8080", 1)
//	project, err := client.PushProject("etl", archive)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr,
// поэтому работает pipe: conveyor task list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - project: push, list, show
//   - session: start, show
//   - task: list, show
//   - schedule: list, create, show, update, delete, enable, disable
//
// Каждая группа создаётся фабричной функцией (NewProjectCmd и т.д.),
// принимающей clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
