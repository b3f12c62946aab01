package jdbc

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/shaiso/Conveyor/internal/operator"
	"github.com/shaiso/Conveyor/internal/sqlexec"
)

// loadQuery читает запрос из параметра query или из файла query_file
// внутри рабочей директории проекта.
func loadQuery(params map[string]any, workDir string) (string, error) {
	if q := operator.GetString(params, "query", ""); q != "" {
		return q, nil
	}

	file := operator.GetString(params, "query_file", "")
	if file == "" {
		return "", operator.NewConfigError("parameter \"query\" or \"query_file\" is required")
	}
	if !filepath.IsLocal(file) {
		return "", operator.NewConfigError("query_file %q must be a relative path inside the project", file)
	}

	data, err := os.ReadFile(filepath.Join(workDir, file))
	if err != nil {
		return "", &operator.ConfigError{Message: "failed to read query_file " + file, Err: err}
	}
	return string(data), nil
}

// queryStatements превращает запрос в statements с учётом insert_into и create_table.
func queryStatements(d sqlexec.Dialect, params map[string]any, workDir string) ([]string, error) {
	query, err := loadQuery(params, workDir)
	if err != nil {
		return nil, err
	}
	query = strings.TrimRight(strings.TrimSpace(query), ";")

	insertInto := operator.GetString(params, "insert_into", "")
	createTable := operator.GetString(params, "create_table", "")

	switch {
	case insertInto != "" && createTable != "":
		return nil, operator.NewConfigError("only one of \"insert_into\" and \"create_table\" can be set")
	case insertInto != "":
		return []string{"INSERT INTO " + d.QuoteIdent(insertInto) + "\n" + query}, nil
	case createTable != "":
		table := d.QuoteIdent(createTable)
		return []string{
			"DROP TABLE IF EXISTS " + table,
			"CREATE TABLE " + table + " AS\n" + query,
		}, nil
	default:
		return []string{query}, nil
	}
}

// lastResultsMode — режим store_last_results.
type lastResultsMode string

const (
	lastResultsNone  lastResultsMode = ""
	lastResultsFirst lastResultsMode = "first"
	lastResultsAll   lastResultsMode = "all"
)

// maxStoredRows — лимит строк для store_last_results: all.
const maxStoredRows = 8192

func parseLastResults(params map[string]any) (lastResultsMode, error) {
	switch v := params["store_last_results"].(type) {
	case nil:
		return lastResultsNone, nil
	case bool:
		if v {
			return lastResultsFirst, nil
		}
		return lastResultsNone, nil
	case string:
		switch lastResultsMode(strings.ToLower(v)) {
		case lastResultsFirst, "true":
			return lastResultsFirst, nil
		case lastResultsAll:
			return lastResultsAll, nil
		case "false", "":
			return lastResultsNone, nil
		}
	}
	return lastResultsNone, operator.NewConfigError("store_last_results must be true, false, \"first\" or \"all\"")
}
